package access

import (
	"testing"

	"github.com/stretchr/testify/require"

	"dingclaw/pkg/config"
)

func dmPolicy(policy string, allowFrom ...string) Policy {
	return Policy{DMEnabled: true, DMPolicy: policy, AllowFrom: allowFrom}
}

func TestDirectMessagePolicies(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		sender  string
		allow   bool
		reason  string
		deflect bool
	}{
		{name: "dm disabled", policy: Policy{DMPolicy: config.DMPolicyOpen}, sender: "u1", reason: ReasonDMDisabled},
		{name: "policy disabled", policy: dmPolicy(config.DMPolicyDisabled, "u1"), sender: "u1", reason: ReasonDMPolicyDisabled},
		{name: "open", policy: dmPolicy(config.DMPolicyOpen), sender: "anyone", allow: true},
		{name: "pairing allowed", policy: dmPolicy(config.DMPolicyPairing, " U1 "), sender: "u1", allow: true},
		{name: "pairing denied deflects", policy: dmPolicy(config.DMPolicyPairing, "u2"), sender: "u1", reason: ReasonDMNotAllowed, deflect: true},
		{name: "allowlist allowed", policy: dmPolicy(config.DMPolicyAllowlist, "u1"), sender: "u1", allow: true},
		{name: "allowlist denied silently", policy: dmPolicy(config.DMPolicyAllowlist, "u2"), sender: "u1", reason: ReasonDMNotAllowed},
		{name: "wildcard", policy: dmPolicy(config.DMPolicyAllowlist, "*"), sender: "u9", allow: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision := Decide(tt.policy, Request{SenderID: tt.sender})
			require.Equal(t, tt.allow, decision.Allow)
			require.Equal(t, tt.reason, decision.Reason)
			require.Equal(t, tt.deflect, decision.Deflect != "")
		})
	}
}

func TestPairingDeflectDisclosesSender(t *testing.T) {
	decision := Decide(dmPolicy(config.DMPolicyPairing), Request{SenderID: "staff-42"})
	require.False(t, decision.Allow)
	require.Contains(t, decision.Deflect, "staff-42")
}

func TestGroupPolicies(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		req    Request
		allow  bool
		reason string
	}{
		{
			name:   "disabled",
			policy: Policy{GroupPolicy: config.GroupPolicyDisabled},
			req:    Request{Group: true, ConversationID: "c1", Mentioned: true},
			reason: ReasonGroupDisabled,
		},
		{
			name:   "empty allowlist passes with mention",
			policy: Policy{GroupPolicy: config.GroupPolicyAllowlist, RequireMention: true},
			req:    Request{Group: true, ConversationID: "c1", Mentioned: true},
			allow:  true,
		},
		{
			name:   "allowlist rejects unknown conversation",
			policy: Policy{GroupPolicy: config.GroupPolicyAllowlist, GroupAllowlist: []string{"c2"}},
			req:    Request{Group: true, ConversationID: "c1", Mentioned: true},
			reason: ReasonGroupNotAllowed,
		},
		{
			name:   "allowlist match is case insensitive",
			policy: Policy{GroupPolicy: config.GroupPolicyAllowlist, GroupAllowlist: []string{"CID-1"}},
			req:    Request{Group: true, ConversationID: "cid-1"},
			allow:  true,
		},
		{
			name:   "mention required",
			policy: Policy{GroupPolicy: config.GroupPolicyOpen, RequireMention: true},
			req:    Request{Group: true, ConversationID: "c1"},
			reason: ReasonMentionRequired,
		},
		{
			name:   "open without mention requirement",
			policy: Policy{GroupPolicy: config.GroupPolicyOpen},
			req:    Request{Group: true, ConversationID: "c1"},
			allow:  true,
		},
		{
			name:   "group ignores dm settings",
			policy: Policy{DMPolicy: config.DMPolicyDisabled, GroupPolicy: config.GroupPolicyOpen},
			req:    Request{Group: true, ConversationID: "c1"},
			allow:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision := Decide(tt.policy, tt.req)
			require.Equal(t, tt.allow, decision.Allow)
			require.Equal(t, tt.reason, decision.Reason)
			require.Empty(t, decision.Deflect)
		})
	}
}

func TestPolicyForAccount(t *testing.T) {
	account := config.ResolveAccount(config.DefaultDingTalkConfig())
	p := PolicyFor(account)
	require.True(t, p.DMEnabled)
	require.Equal(t, config.DMPolicyPairing, p.DMPolicy)
	require.Equal(t, config.GroupPolicyAllowlist, p.GroupPolicy)
	require.True(t, p.RequireMention)
}
