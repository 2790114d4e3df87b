package dingtalk

import (
	"context"
	"net/url"
)

// User is the subset of a directory user the bridge displays.
type User struct {
	ID     string
	Name   string
	Avatar string
}

type userResponse struct {
	Result struct {
		Name   string `json:"name"`
		Avatar string `json:"avatar"`
	} `json:"result"`
}

// GetUser looks up a staff member's display name.
func (c *Client) GetUser(ctx context.Context, creds Credentials, userID string) (User, error) {
	token, err := c.AccessToken(ctx, creds)
	if err != nil {
		return User{}, err
	}

	endpoint := c.oapiBase + "/topapi/v2/user/get?" + url.Values{"access_token": {token}}.Encode()
	var resp userResponse
	if err := c.postJSON(ctx, endpoint, nil, map[string]string{
		"userid":   userID,
		"language": "zh_CN",
	}, &resp); err != nil {
		c.dropRejectedToken(creds, err)
		return User{}, err
	}
	return User{ID: userID, Name: resp.Result.Name, Avatar: resp.Result.Avatar}, nil
}
