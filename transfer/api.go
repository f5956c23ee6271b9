package transfer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/bitrise-io/go-transferutils/transfer/interchange"
	"github.com/bitrise-io/go-transferutils/transfer/prepare"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// ControllerClient is a Signer backed by a controller service speaking JSON.
// The controller holds the long-lived credentials and returns bounded sets
// of presigned requests; workers only ever see those.
type ControllerClient struct {
	httpClient  *retryablehttp.Client
	baseURL     string
	accessToken string
	logger      log.Logger
}

// NewControllerClient ...
func NewControllerClient(baseURL, accessToken string, logger log.Logger) *ControllerClient {
	return &ControllerClient{
		httpClient:  retryhttp.NewClient(logger),
		baseURL:     baseURL,
		accessToken: accessToken,
		logger:      logger,
	}
}

type partPayload struct {
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
	Start  int64  `json:"start"`
}

type signUploadRequest struct {
	Name            string        `json:"name"`
	SHA256          string        `json:"sha256"`
	Size            int64         `json:"size"`
	TransferSHA256  string        `json:"transfer_sha256"`
	TransferSize    int64         `json:"transfer_size"`
	ContentEncoding string        `json:"content_encoding"`
	Parts           []partPayload `json:"parts,omitempty"`
}

type signUploadResponse struct {
	ID       string                `json:"id"`
	Requests []interchange.Request `json:"requests"`
}

type completeUploadRequest struct {
	Successful bool     `json:"successful"`
	ETags      []string `json:"etags"`
}

type apiErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SignUpload registers the descriptor with the controller and returns the
// upload id and the presigned request set, one request per part.
func (c *ControllerClient) SignUpload(ctx context.Context, name string, desc *prepare.Descriptor) (string, []interchange.Request, error) {
	payload := signUploadRequest{
		Name:            name,
		SHA256:          desc.SHA256,
		Size:            desc.Size,
		TransferSHA256:  desc.TransferSHA256,
		TransferSize:    desc.TransferSize,
		ContentEncoding: desc.ContentEncoding,
	}
	for _, part := range desc.Parts {
		payload.Parts = append(payload.Parts, partPayload{SHA256: part.SHA256, Size: part.Size, Start: part.Start})
	}

	var response signUploadResponse
	if err := c.post(ctx, fmt.Sprintf("%s/uploads", c.baseURL), payload, http.StatusCreated, &response); err != nil {
		return "", nil, err
	}
	return response.ID, response.Requests, nil
}

// CompleteUpload ...
func (c *ControllerClient) CompleteUpload(ctx context.Context, uploadID string, etags []string) error {
	body := completeUploadRequest{Successful: true, ETags: etags}
	return c.patch(ctx, fmt.Sprintf("%s/uploads/%s", c.baseURL, url.PathEscape(uploadID)), body)
}

// AbortUpload ...
func (c *ControllerClient) AbortUpload(ctx context.Context, uploadID string) error {
	body := completeUploadRequest{Successful: false}
	return c.patch(ctx, fmt.Sprintf("%s/uploads/%s", c.baseURL, url.PathEscape(uploadID)), body)
}

// SignDownload asks the controller for a presigned GET of the named object.
func (c *ControllerClient) SignDownload(ctx context.Context, name string) (interchange.Request, error) {
	endpoint := fmt.Sprintf("%s/downloads?name=%s", c.baseURL, url.QueryEscape(name))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return interchange.Request{}, err
	}
	c.setCommonHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return interchange.Request{}, err
	}
	defer c.closeQuietly(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return interchange.Request{}, c.unwrapError(resp)
	}

	var signed interchange.Request
	if err := json.NewDecoder(resp.Body).Decode(&signed); err != nil {
		return interchange.Request{}, err
	}
	return signed, nil
}

// ParseErrorResponse decodes the controller's structured error body.
// A body in some other shape yields nil.
func (c *ControllerClient) ParseErrorResponse(body []byte) error {
	var parsed apiErrorResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil
	}
	if parsed.Code == "" && parsed.Message == "" {
		return nil
	}
	return fmt.Errorf("%s: %s", parsed.Code, parsed.Message)
}

func (c *ControllerClient) post(ctx context.Context, endpoint string, payload interface{}, wantStatus int, response interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return err
	}
	c.setCommonHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer c.closeQuietly(resp.Body)

	if resp.StatusCode != wantStatus {
		return c.unwrapError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(response)
}

func (c *ControllerClient) patch(ctx context.Context, endpoint string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPatch, endpoint, body)
	if err != nil {
		return err
	}
	c.setCommonHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer c.closeQuietly(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return c.unwrapError(resp)
	}
	return nil
}

func (c *ControllerClient) setCommonHeaders(req *retryablehttp.Request) {
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
}

func (c *ControllerClient) unwrapError(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if parsed := c.ParseErrorResponse(body); parsed != nil {
		return fmt.Errorf("HTTP %d: %w", resp.StatusCode, parsed)
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, body)
}

func (c *ControllerClient) closeQuietly(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		c.logger.Printf(err.Error())
	}
}
