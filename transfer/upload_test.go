package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/bitrise-io/go-transferutils/transfer/interchange"
	"github.com/bitrise-io/go-transferutils/transfer/prepare"
	"github.com/bitrise-io/go-transferutils/transfer/runner"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, cfg ClientConfig) *Client {
	t.Helper()
	client, err := NewClient(cfg, log.NewLogger())
	require.NoError(t, err)
	return client
}

func refSum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// twoPartDescriptor writes a 16-byte file and describes it as two 8-byte parts.
func twoPartDescriptor(t *testing.T) (*prepare.Descriptor, []byte) {
	t.Helper()
	content := []byte("0123456789abcdef")
	path := filepath.Join(t.TempDir(), "payload")
	require.NoError(t, os.WriteFile(path, content, 0600))

	return &prepare.Descriptor{
		Filename:        path,
		SHA256:          refSum(content),
		Size:            int64(len(content)),
		TransferSHA256:  refSum(content),
		TransferSize:    int64(len(content)),
		ContentEncoding: prepare.EncodingIdentity,
		Parts: []prepare.Part{
			{SHA256: refSum(content[:8]), Size: 8, Start: 0},
			{SHA256: refSum(content[8:]), Size: 8, Start: 8},
		},
	}, content
}

type recordingServer struct {
	mu     sync.Mutex
	bodies map[string][]byte
	etags  bool
	fail   map[string]int
}

func newRecordingServer(etags bool) *recordingServer {
	return &recordingServer{bodies: map[string][]byte{}, etags: etags, fail: map[string]int{}}
}

func (s *recordingServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.bodies[r.URL.Path] = body
		status := s.fail[r.URL.Path]
		s.mu.Unlock()

		if status != 0 {
			w.WriteHeader(status)
			_, _ = w.Write([]byte("part rejected"))
			return
		}
		if s.etags {
			w.Header().Set("ETag", fmt.Sprintf("\"etag-%s\"", r.URL.Path))
		}
		w.WriteHeader(http.StatusOK)
	}
}

func partRequests(baseURL string, count int) []interchange.Request {
	requests := make([]interchange.Request, 0, count)
	for i := 1; i <= count; i++ {
		requests = append(requests, interchange.Request{
			URL:     fmt.Sprintf("%s/part/%d", baseURL, i),
			Method:  "PUT",
			Headers: map[string]string{"Content-Type": "application/octet-stream"},
		})
	}
	return requests
}

func TestClient_Upload_multipart(t *testing.T) {
	desc, content := twoPartDescriptor(t)
	store := newRecordingServer(true)
	server := httptest.NewServer(store.handler())
	defer server.Close()

	client := testClient(t, ClientConfig{})
	result, err := client.Upload(context.Background(), desc, partRequests(server.URL, 2))

	require.NoError(t, err)
	require.Equal(t, []string{"\"etag-/part/1\"", "\"etag-/part/2\""}, result.ETags)
	require.Len(t, result.Responses, 2)

	// each part request carried exactly its byte range
	assert.Equal(t, content[:8], store.bodies["/part/1"])
	assert.Equal(t, content[8:], store.bodies["/part/2"])
}

func TestClient_Upload_singlePart(t *testing.T) {
	desc, content := twoPartDescriptor(t)
	desc.Parts = nil
	store := newRecordingServer(true)
	server := httptest.NewServer(store.handler())
	defer server.Close()

	client := testClient(t, ClientConfig{})
	result, err := client.Upload(context.Background(), desc, partRequests(server.URL, 1))

	require.NoError(t, err)
	require.Len(t, result.ETags, 1)
	assert.Equal(t, content, store.bodies["/part/1"])
}

func TestClient_Upload_requestCountMustMatchPartCount(t *testing.T) {
	desc, _ := twoPartDescriptor(t)

	client := testClient(t, ClientConfig{})
	_, err := client.Upload(context.Background(), desc, partRequests("https://example.com", 3))

	var configErr *ConfigurationError
	require.True(t, errors.As(err, &configErr))
	assert.Contains(t, configErr.Reason, "2 part(s)")
}

func TestClient_Upload_invalidRequestFailsTheWholeBatchUpFront(t *testing.T) {
	desc, _ := twoPartDescriptor(t)
	requests := partRequests("https://example.com", 2)
	requests[1].Method = "FETCH"

	client := testClient(t, ClientConfig{})
	_, err := client.Upload(context.Background(), desc, requests)

	var validationErr *interchange.ValidationError
	require.True(t, errors.As(err, &validationErr))
}

func TestClient_Upload_firstFailingPartIsTerminal(t *testing.T) {
	desc, _ := twoPartDescriptor(t)
	store := newRecordingServer(true)
	store.fail["/part/2"] = http.StatusBadRequest
	server := httptest.NewServer(store.handler())
	defer server.Close()

	client := testClient(t, ClientConfig{Runner: runner.Config{MaxRetries: 1}})
	_, err := client.Upload(context.Background(), desc, partRequests(server.URL, 2))

	var upstreamErr *UpstreamError
	require.True(t, errors.As(err, &upstreamErr))
	assert.Equal(t, http.StatusBadRequest, upstreamErr.StatusCode)
	assert.Equal(t, "PUT", upstreamErr.Method)
	assert.Contains(t, upstreamErr.URL, "/part/2")
	assert.Equal(t, "part rejected", upstreamErr.Body)
}

func TestClient_Upload_missingETagIsRecordedAsSentinel(t *testing.T) {
	desc, _ := twoPartDescriptor(t)
	store := newRecordingServer(false)
	server := httptest.NewServer(store.handler())
	defer server.Close()

	client := testClient(t, ClientConfig{})
	result, err := client.Upload(context.Background(), desc, partRequests(server.URL, 2))

	require.NoError(t, err)
	assert.Equal(t, []string{NoETag, NoETag}, result.ETags)
}

func TestClient_Upload_detectsFileChangedSincePreparation(t *testing.T) {
	desc, _ := twoPartDescriptor(t)
	desc.Parts[0].SHA256 = refSum([]byte("these are not the prepared bytes"))
	store := newRecordingServer(true)
	server := httptest.NewServer(store.handler())
	defer server.Close()

	client := testClient(t, ClientConfig{})
	_, err := client.Upload(context.Background(), desc, partRequests(server.URL, 2))

	var integrityErr *IntegrityError
	require.True(t, errors.As(err, &integrityErr))
	assert.Contains(t, integrityErr.Failures[0], "part 1")
}

func TestClient_Upload_parsedUpstreamError(t *testing.T) {
	desc, _ := twoPartDescriptor(t)
	store := newRecordingServer(true)
	store.fail["/part/1"] = http.StatusForbidden
	server := httptest.NewServer(store.handler())
	defer server.Close()

	parsed := errors.New("access denied by policy")
	client := testClient(t, ClientConfig{
		Runner:      runner.Config{MaxRetries: 1},
		ErrorParser: staticParser{err: parsed},
	})
	_, err := client.Upload(context.Background(), desc, partRequests(server.URL, 2))

	var upstreamErr *UpstreamError
	require.True(t, errors.As(err, &upstreamErr))
	assert.ErrorIs(t, err, parsed)
}

func TestClient_UploadFile(t *testing.T) {
	dir := t.TempDir()
	content := []byte("file to be uploaded end to end")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "artifact.tar"), content, 0600))

	store := newRecordingServer(true)
	server := httptest.NewServer(store.handler())
	defer server.Close()

	signer := &fakeSigner{uploadID: "upload-7", uploadRequests: partRequests(server.URL, 1)}
	preparer, err := prepare.NewPreparer(prepare.Config{}, log.NewLogger())
	require.NoError(t, err)

	client := testClient(t, ClientConfig{})
	result, err := client.UploadFile(context.Background(), signer, preparer, UploadParams{
		Name:          "builds/7/artifact.tar",
		SourcePattern: filepath.Join(dir, "*.tar"),
	})

	require.NoError(t, err)
	assert.Equal(t, content, store.bodies["/part/1"])
	assert.Equal(t, result.ETags, signer.completedETags)
	assert.False(t, signer.aborted)
}

func TestClient_UploadFile_abortsAfterPartFailure(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "artifact.tar"), []byte("doomed upload"), 0600))

	store := newRecordingServer(true)
	store.fail["/part/1"] = http.StatusForbidden
	server := httptest.NewServer(store.handler())
	defer server.Close()

	signer := &fakeSigner{uploadID: "upload-8", uploadRequests: partRequests(server.URL, 1)}
	preparer, err := prepare.NewPreparer(prepare.Config{}, log.NewLogger())
	require.NoError(t, err)

	client := testClient(t, ClientConfig{Runner: runner.Config{MaxRetries: 1}})
	_, err = client.UploadFile(context.Background(), signer, preparer, UploadParams{
		Name:          "builds/8/artifact.tar",
		SourcePattern: filepath.Join(dir, "*.tar"),
	})

	var upstreamErr *UpstreamError
	require.True(t, errors.As(err, &upstreamErr))
	assert.True(t, signer.aborted)
	assert.Nil(t, signer.completedETags)
}

func TestResolveSourcePath(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "artifact.tar"), []byte("a"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "artifact.log"), []byte("b"), 0600))

	path, err := ResolveSourcePath(filepath.Join(dir, "**", "*.tar"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "artifact.tar"), path)

	_, err = ResolveSourcePath(filepath.Join(dir, "*.zip"))
	require.Error(t, err)

	_, err = ResolveSourcePath(filepath.Join(dir, "artifact.*"))
	require.Error(t, err)
}

type staticParser struct {
	err error
}

func (p staticParser) ParseErrorResponse(body []byte) error {
	return p.err
}
