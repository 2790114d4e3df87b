package dingtalk

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
)

// DownloadInfo is the short-lived URL a download code exchanges to.
type DownloadInfo struct {
	URL         string
	ContentType string
}

type downloadResponse struct {
	DownloadURL string `json:"downloadUrl"`
	ContentType string `json:"contentType,omitempty"`
}

// ResolveDownload exchanges a message download code for a fetchable URL.
// Provider error codes come back as *APIError and should not be retried.
func (c *Client) ResolveDownload(ctx context.Context, creds Credentials, downloadCode string) (DownloadInfo, error) {
	var resp downloadResponse
	err := c.postAuthed(ctx, creds, c.apiBase+"/v1.0/robot/messageFiles/download", map[string]string{
		"downloadCode": downloadCode,
		"robotCode":    creds.robotCode(),
	}, &resp)
	if err != nil {
		return DownloadInfo{}, err
	}
	if resp.DownloadURL == "" {
		return DownloadInfo{}, &APIError{Code: "empty_download_url", Message: "download url missing from response"}
	}
	return DownloadInfo{URL: resp.DownloadURL, ContentType: resp.ContentType}, nil
}

// Get issues a plain GET; used for fetching resolved download URLs.
func (c *Client) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	return c.httpClient.Do(req)
}

type uploadResponse struct {
	MediaIDSnake string `json:"media_id,omitempty"`
	MediaIDCamel string `json:"mediaId,omitempty"`
}

// UploadMedia pushes data to the legacy media endpoint and returns its media id.
func (c *Client) UploadMedia(ctx context.Context, creds Credentials, mediaType, fileName string, data []byte) (string, error) {
	token, err := c.AccessToken(ctx, creds)
	if err != nil {
		return "", err
	}
	if mediaType == "" {
		mediaType = "file"
	}

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("media", fileName)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("write form file: %w", err)
	}
	if err := form.Close(); err != nil {
		return "", fmt.Errorf("close form: %w", err)
	}

	query := url.Values{"access_token": {token}, "type": {mediaType}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.oapiBase+"/media/upload?"+query.Encode(), &body)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	var resp uploadResponse
	if err := c.do(req, &resp); err != nil {
		c.dropRejectedToken(creds, err)
		return "", err
	}
	mediaID := strings.TrimSpace(resp.MediaIDSnake)
	if mediaID == "" {
		mediaID = strings.TrimSpace(resp.MediaIDCamel)
	}
	if mediaID == "" {
		return "", &APIError{Code: "empty_media_id", Message: "media id missing from upload response"}
	}
	return mediaID, nil
}
