// Package upload holds the attachment upload backends.
package upload

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"chatsdk/internal/attachment"
)

type httpRequest struct {
	Content  string `json:"content"`
	MimeType string `json:"mimeType"`
	FileName string `json:"fileName"`
}

type httpResponse struct {
	FileURL string `json:"fileUrl"`
}

// HTTPUploader posts base64 encoded content to the chat backend's
// attachment endpoint.
type HTTPUploader struct {
	httpClient *resty.Client
	path       string
}

// NewHTTPUploader uploads through client, which carries the base URL.
func NewHTTPUploader(client *resty.Client, brandID int64, channelID string) *HTTPUploader {
	return &HTTPUploader{
		httpClient: client,
		path:       "/chat/1.0/brand/" + strconv.FormatInt(brandID, 10) + "/channel/" + url.PathEscape(channelID) + "/attachment",
	}
}

// Upload implements attachment.Uploader. Transport failures and error
// statuses wrap attachment.ErrTransport; a 2xx without a URL is
// attachment.ErrRejected.
func (u *HTTPUploader) Upload(ctx context.Context, data []byte, meta attachment.Metadata) (attachment.Reference, error) {
	var out httpResponse
	resp, err := u.httpClient.R().
		SetContext(ctx).
		SetBody(httpRequest{
			Content:  base64.StdEncoding.EncodeToString(data),
			MimeType: meta.MimeType,
			FileName: meta.FriendlyName,
		}).
		SetResult(&out).
		Post(u.path)
	if err != nil {
		log.Error().Err(err).Str("url", u.path).Str("fileName", meta.FriendlyName).Msg("Upload API: request failed")
		return attachment.Reference{}, fmt.Errorf("%w: %v", attachment.ErrTransport, err)
	}
	if resp.IsError() {
		log.Error().Str("url", u.path).Int("statusCode", resp.StatusCode()).Str("responseBody", resp.String()).Msg("Upload API: returned an error")
		return attachment.Reference{}, fmt.Errorf("%w: status %d", attachment.ErrTransport, resp.StatusCode())
	}
	if out.FileURL == "" {
		return attachment.Reference{}, attachment.ErrRejected
	}

	log.Debug().Str("fileName", meta.FriendlyName).Str("mimeType", meta.MimeType).Int("size", len(data)).Msg("Attachment uploaded")
	return attachment.Reference{URL: out.FileURL}, nil
}
