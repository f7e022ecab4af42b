package attachment

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// BlossomUploader uploads ciphertext to a set of Blossom servers concurrently,
// authorizing each PUT with a signed kind-24242 event, grounded on the
// teacher's blossomUploadCmd (blossom.go). The first server to accept wins;
// every attempt is logged so a flaky server doesn't silently win by default.
type BlossomUploader struct {
	SecretKey string // hex nostr secret key, signs the kind-24242 auth event
	Client    *http.Client
	Log       *slog.Logger
}

func (u *BlossomUploader) client() *http.Client {
	if u.Client != nil {
		return u.Client
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// Upload implements Uploader.
func (u *BlossomUploader) Upload(ctx context.Context, servers []string, data []byte, mimeType string, progress func(sent, total int64)) (string, error) {
	if len(servers) == 0 {
		return "", fmt.Errorf("attachment: no blossom servers configured")
	}

	hashHex := hashHex(data)
	authEvt, err := buildBlossomAuthEvent(hashHex, u.SecretKey)
	if err != nil {
		return "", fmt.Errorf("attachment: sign blossom auth: %w", err)
	}
	evtJSON, err := json.Marshal(authEvt)
	if err != nil {
		return "", fmt.Errorf("attachment: marshal blossom auth: %w", err)
	}
	authHeader := "Nostr " + base64.StdEncoding.EncodeToString(evtJSON)

	type result struct {
		server string
		url    string
		err    error
	}

	results := make(chan result, len(servers))
	var wg sync.WaitGroup
	for _, server := range servers {
		wg.Add(1)
		go func(server string) {
			defer wg.Done()
			url, err := u.putOne(ctx, server, data, mimeType, authHeader, hashHex)
			results <- result{server: server, url: url, err: err}
		}(server)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var firstURL string
	var errs []string
	total := int64(len(data))
	for r := range results {
		if r.err != nil {
			u.logf("blossom: upload to %s failed: %v", r.server, r.err)
			errs = append(errs, fmt.Sprintf("%s: %v", r.server, r.err))
			continue
		}
		u.logf("blossom: uploaded to %s -> %s", r.server, r.url)
		if firstURL == "" {
			firstURL = r.url
			if progress != nil {
				progress(total, total)
			}
		}
	}

	if firstURL == "" {
		return "", fmt.Errorf("attachment: all blossom servers failed: %s", strings.Join(errs, "; "))
	}
	return firstURL, nil
}

func (u *BlossomUploader) putOne(ctx context.Context, server string, data []byte, mimeType, authHeader, hashHex string) (string, error) {
	uploadURL := strings.TrimRight(server, "/") + "/upload"
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", authHeader)
	req.Header.Set("Content-Type", mimeType)

	resp, err := u.client().Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	var respData struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(body, &respData); err != nil || respData.URL == "" {
		respData.URL = strings.TrimRight(server, "/") + "/" + hashHex
	}
	return respData.URL, nil
}

func (u *BlossomUploader) logf(format string, args ...any) {
	if u.Log == nil {
		return
	}
	u.Log.Debug(fmt.Sprintf(format, args...))
}

// buildBlossomAuthEvent builds and signs a kind-24242 event authorizing a
// single upload identified by its content hash.
func buildBlossomAuthEvent(hashHex, secretKey string) (nostr.Event, error) {
	evt := nostr.Event{
		Kind:      24242,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Tags: nostr.Tags{
			{"t", "upload"},
			{"x", hashHex},
			{"expiration", fmt.Sprintf("%d", time.Now().Add(5*time.Minute).Unix())},
		},
	}
	if err := evt.Sign(secretKey); err != nil {
		return evt, err
	}
	return evt, nil
}

// HTTPLiveProber HEAD-checks a candidate attachment URL before the DM
// pipeline reuses it, so a dedup hit against a server that has since pruned
// the blob falls back to a fresh upload instead of handing out a dead link.
type HTTPLiveProber struct {
	Client *http.Client
}

func (p *HTTPLiveProber) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// Probe implements LiveProber.
func (p *HTTPLiveProber) Probe(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client().Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}
