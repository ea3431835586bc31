package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"
)

// quoteEscaper mirrors the escaping mime/multipart applies to field names
// and filenames.
var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// Client POSTs encoded utterances to the backend as multipart form data.
// Delivery is best-effort and at-most-once: no retries, bounded by the
// client timeout.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

func NewClient(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Request is one encoded utterance plus the scalar form fields the backend
// expects.
type Request struct {
	WAV        []byte
	UserID     string
	GuildID    string
	DurationMs int
	SampleRate int
	Channels   int
	Timestamp  time.Time
}

// Filename returns the upload filename, {speakerId}-{epochMillis}.wav.
func (r Request) Filename() string {
	return fmt.Sprintf("%s-%d.wav", r.UserID, r.Timestamp.UnixMilli())
}

// Send uploads the utterance and returns the backend's response body.
// A non-2xx status is an error carrying the (trimmed) body.
func (c *Client) Send(ctx context.Context, req Request) (string, error) {
	body, contentType, err := buildForm(req)
	if err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return "", fmt.Errorf("create upload request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("upload request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read upload response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("backend status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return string(respBody), nil
}

// buildForm assembles the multipart body: the audio file part (field
// `audio`, content-type audio/wav) followed by the scalar metadata fields.
func buildForm(req Request) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="audio"; filename="%s"`, quoteEscaper.Replace(req.Filename())))
	hdr.Set("Content-Type", "audio/wav")
	part, err := w.CreatePart(hdr)
	if err != nil {
		return nil, "", fmt.Errorf("create audio part: %w", err)
	}
	if _, err := part.Write(req.WAV); err != nil {
		return nil, "", fmt.Errorf("write audio part: %w", err)
	}

	fields := map[string]string{
		"userId":     req.UserID,
		"guildId":    req.GuildID,
		"durationMs": strconv.Itoa(req.DurationMs),
		"sampleRate": strconv.Itoa(req.SampleRate),
		"channels":   strconv.Itoa(req.Channels),
		"timestamp":  req.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}
	for name, value := range fields {
		if err := w.WriteField(name, value); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}
