package upload

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testRequest() Request {
	return Request{
		WAV:        []byte("RIFF-payload"),
		UserID:     "user-1",
		GuildID:    "guild-1",
		DurationMs: 1500,
		SampleRate: 48000,
		Channels:   2,
		Timestamp:  time.UnixMilli(1700000000123).UTC(),
	}
}

func TestFilename(t *testing.T) {
	req := testRequest()
	require.Equal(t, "user-1-1700000000123.wav", req.Filename())
}

// TestSendMultipartContract pins down the exact form shape the backend
// parses: the audio file part plus the scalar metadata fields.
func TestSendMultipartContract(t *testing.T) {
	var gotPath string
	var gotFile []byte
	var gotFilename, gotPartType string
	gotFields := map[string]string{}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, r.ParseMultipartForm(32<<20))

		f, fh, err := r.FormFile("audio")
		require.NoError(t, err)
		defer f.Close()
		gotFilename = fh.Filename
		gotPartType = fh.Header.Get("Content-Type")
		gotFile, err = io.ReadAll(f)
		require.NoError(t, err)

		for _, name := range []string{"userId", "guildId", "durationMs", "sampleRate", "channels", "timestamp"} {
			gotFields[name] = r.FormValue(name)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"received"}`))
	}))
	defer ts.Close()

	client := NewClient(ts.URL+"/api/audio", time.Second)
	req := testRequest()

	body, err := client.Send(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, `{"status":"received"}`, body)

	require.Equal(t, "/api/audio", gotPath)
	require.Equal(t, "user-1-1700000000123.wav", gotFilename)
	require.Equal(t, "audio/wav", gotPartType)
	require.True(t, bytes.Equal(req.WAV, gotFile))

	require.Equal(t, "user-1", gotFields["userId"])
	require.Equal(t, "guild-1", gotFields["guildId"])
	require.Equal(t, "1500", gotFields["durationMs"])
	require.Equal(t, "48000", gotFields["sampleRate"])
	require.Equal(t, "2", gotFields["channels"])

	parsed, err := time.Parse("2006-01-02T15:04:05.000Z07:00", gotFields["timestamp"])
	require.NoError(t, err)
	require.True(t, parsed.Equal(req.Timestamp))
}

// TestSendNon2xxIsError verifies an error status surfaces as an error with
// the response body, not as a silent success.
func TestSendNon2xxIsError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("backend down\n"))
	}))
	defer ts.Close()

	client := NewClient(ts.URL, time.Second)
	_, err := client.Send(context.Background(), testRequest())
	require.Error(t, err)
	require.Contains(t, err.Error(), "502")
	require.Contains(t, err.Error(), "backend down")
}

// TestSendTimesOut verifies the client gives up on a stalled backend.
func TestSendTimesOut(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer ts.Close()
	defer close(release)

	client := NewClient(ts.URL, 50*time.Millisecond)
	_, err := client.Send(context.Background(), testRequest())
	require.Error(t, err)
}

// TestSendContextCancelled verifies an already-cancelled context aborts the
// upload immediately.
func TestSendContextCancelled(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewClient(ts.URL, time.Second)
	_, err := client.Send(ctx, testRequest())
	require.Error(t, err)
}
