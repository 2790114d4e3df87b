// Package access decides whether an inbound message may reach the reply pipeline.
package access

import (
	"fmt"
	"strings"

	"dingclaw/pkg/config"
)

// Rejection reasons.
const (
	ReasonDMDisabled       = "dm_disabled"
	ReasonDMPolicyDisabled = "dm_policy_disabled"
	ReasonDMNotAllowed     = "dm_not_allowed"
	ReasonGroupDisabled    = "group_disabled"
	ReasonGroupNotAllowed  = "group_not_allowed"
	ReasonMentionRequired  = "mention_required"
)

const wildcard = "*"

// Policy is the access configuration of one account.
type Policy struct {
	DMEnabled      bool
	DMPolicy       string
	AllowFrom      []string
	GroupPolicy    string
	GroupAllowlist []string
	RequireMention bool
}

// PolicyFor extracts the access policy from a resolved account.
func PolicyFor(account config.Account) Policy {
	return Policy{
		DMEnabled:      account.DM.Enabled,
		DMPolicy:       account.DM.Policy,
		AllowFrom:      account.DM.AllowFrom,
		GroupPolicy:    account.GroupPolicy,
		GroupAllowlist: account.GroupAllowlist,
		RequireMention: account.RequireMention,
	}
}

// Request describes one inbound message.
type Request struct {
	Group          bool
	SenderID       string
	ConversationID string
	Mentioned      bool
}

// Decision is the outcome of Decide. Deflect, when set, is the text to send
// back to a rejected sender.
type Decision struct {
	Allow   bool
	Reason  string
	Deflect string
}

func allow() Decision { return Decision{Allow: true} }

func reject(reason string) Decision { return Decision{Reason: reason} }

// Decide applies the direct-message or group rules to req. Checks run in a
// fixed order and the first failing one wins.
func Decide(p Policy, req Request) Decision {
	if req.Group {
		return decideGroup(p, req)
	}
	return decideDirect(p, req)
}

func decideDirect(p Policy, req Request) Decision {
	if !p.DMEnabled {
		return reject(ReasonDMDisabled)
	}
	switch p.DMPolicy {
	case config.DMPolicyDisabled:
		return reject(ReasonDMPolicyDisabled)
	case config.DMPolicyOpen:
		return allow()
	}

	if Allowed(req.SenderID, p.AllowFrom) {
		return allow()
	}
	decision := reject(ReasonDMNotAllowed)
	if p.DMPolicy != config.DMPolicyAllowlist {
		decision.Deflect = PairingMessage(req.SenderID)
	}
	return decision
}

func decideGroup(p Policy, req Request) Decision {
	switch p.GroupPolicy {
	case config.GroupPolicyDisabled:
		return reject(ReasonGroupDisabled)
	case config.GroupPolicyOpen:
	default:
		if len(p.GroupAllowlist) > 0 && !Allowed(req.ConversationID, p.GroupAllowlist) {
			return reject(ReasonGroupNotAllowed)
		}
	}
	if p.RequireMention && !req.Mentioned {
		return reject(ReasonMentionRequired)
	}
	return allow()
}

// PairingMessage tells a rejected sender the id an admin must allow.
func PairingMessage(senderID string) string {
	return fmt.Sprintf("Access denied. Your staffId: %s\nAsk admin to add you.", senderID)
}

// Allowed matches id against list case-insensitively after trimming. A "*"
// entry matches everything.
func Allowed(id string, list []string) bool {
	id = strings.ToLower(strings.TrimSpace(id))
	for _, entry := range list {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == wildcard || entry == id {
			return true
		}
	}
	return false
}
