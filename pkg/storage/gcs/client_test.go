package gcs

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"testing"
	"time"
)

type roundTripFunc func(*http.Request) *http.Response

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req), nil
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{"Content-Type": {"application/json"}},
	}
}

func testClient(t *testing.T, fn func(*http.Request) *http.Response) *Client {
	t.Helper()
	return &Client{
		baseURL:       "https://storage.test",
		defaultBucket: "bucket",
		tokenSource: &tokenSource{fetch: func(context.Context) (string, time.Time, error) {
			return "token", time.Now().Add(time.Hour), nil
		}},
		httpClient: &http.Client{Transport: roundTripFunc(func(req *http.Request) *http.Response {
			if req.Header.Get("Authorization") != "Bearer token" {
				t.Fatalf("unexpected auth %q", req.Header.Get("Authorization"))
			}
			return fn(req)
		})},
	}
}

func TestUploadSendsMultipartWithMetadata(t *testing.T) {
	t.Parallel()

	client := testClient(t, func(req *http.Request) *http.Response {
		if req.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", req.Method)
		}
		if req.URL.Path != "/upload/storage/v1/b/bucket/o" || req.URL.Query().Get("uploadType") != "multipart" {
			t.Fatalf("unexpected upload url %s", req.URL)
		}
		mediaType, params, err := mime.ParseMediaType(req.Header.Get("Content-Type"))
		if err != nil || mediaType != "multipart/related" {
			t.Fatalf("unexpected content type %q", req.Header.Get("Content-Type"))
		}
		mr := multipart.NewReader(req.Body, params["boundary"])

		metaPart, err := mr.NextPart()
		if err != nil {
			t.Fatalf("metadata part: %v", err)
		}
		var meta object
		if err := json.NewDecoder(metaPart).Decode(&meta); err != nil {
			t.Fatalf("decode metadata: %v", err)
		}
		if meta.Name != "dumps/a.json.z" || meta.Metadata["market"] != "lidl" {
			t.Fatalf("unexpected metadata %+v", meta)
		}

		mediaPart, err := mr.NextPart()
		if err != nil {
			t.Fatalf("media part: %v", err)
		}
		data, _ := io.ReadAll(mediaPart)
		if string(data) != "payload" {
			t.Fatalf("unexpected media %q", data)
		}
		return jsonResponse(http.StatusOK, `{"bucket":"bucket","name":"dumps/a.json.z","generation":"17","size":"7","metadata":{"market":"lidl"}}`)
	})

	attrs, err := client.Upload(context.Background(), "", "dumps/a.json.z", "application/zlib", map[string]string{"market": "lidl"}, []byte("payload"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if attrs.Generation != 17 || attrs.Size != 7 {
		t.Fatalf("unexpected attrs %+v", attrs)
	}
}

func TestDownloadReadsAttrsThenMedia(t *testing.T) {
	t.Parallel()

	client := testClient(t, func(req *http.Request) *http.Response {
		if req.URL.EscapedPath() != "/storage/v1/b/bucket/o/dumps%2Fa.json.z" {
			t.Fatalf("object name must be escaped, got %s", req.URL.EscapedPath())
		}
		if req.URL.Query().Get("alt") == "media" {
			if req.URL.Query().Get("generation") != "3" {
				t.Fatalf("expected pinned generation, got %s", req.URL.RawQuery)
			}
			return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("bytes")), Header: http.Header{}}
		}
		return jsonResponse(http.StatusOK, `{"name":"dumps/a.json.z","generation":"3","metadata":{"k":"v"}}`)
	})

	data, attrs, err := client.Download(context.Background(), "", "dumps/a.json.z")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if string(data) != "bytes" || attrs.Metadata["k"] != "v" {
		t.Fatalf("unexpected download %q %+v", data, attrs)
	}
}

func TestDownloadNotFound(t *testing.T) {
	t.Parallel()

	client := testClient(t, func(*http.Request) *http.Response {
		return jsonResponse(http.StatusNotFound, `{"error":{"code":404}}`)
	})
	_, _, err := client.Download(context.Background(), "", "missing")
	if !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestListPassesQueryAndParsesVersions(t *testing.T) {
	t.Parallel()

	client := testClient(t, func(req *http.Request) *http.Response {
		q := req.URL.Query()
		if q.Get("prefix") != "dumps/" || q.Get("versions") != "true" || q.Get("pageToken") != "p2" {
			t.Fatalf("unexpected query %s", req.URL.RawQuery)
		}
		return jsonResponse(http.StatusOK, `{
			"items":[
				{"name":"dumps/a","generation":"1","timeDeleted":"2024-05-01T10:00:00Z"},
				{"name":"dumps/a","generation":"2","updated":"2024-05-02T10:00:00.5Z"}
			],
			"nextPageToken":"p3"}`)
	})

	page, err := client.List(context.Background(), "", ListQuery{Prefix: "dumps/", Versions: true, PageToken: "p2"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if page.NextPageToken != "p3" || len(page.Objects) != 2 {
		t.Fatalf("unexpected page %+v", page)
	}
	if page.Objects[0].Deleted.IsZero() || !page.Objects[1].Deleted.IsZero() {
		t.Fatalf("noncurrent generation not detected: %+v", page.Objects)
	}
	if page.Objects[1].Updated.IsZero() {
		t.Fatal("expected updated timestamp")
	}
}

func TestDeleteObjectSuccess(t *testing.T) {
	t.Parallel()

	client := testClient(t, func(req *http.Request) *http.Response {
		if req.Method != http.MethodDelete {
			t.Fatalf("expected DELETE, got %s", req.Method)
		}
		if req.URL.Query().Get("generation") != "42" {
			t.Fatalf("expected generation 42, got %q", req.URL.RawQuery)
		}
		return &http.Response{StatusCode: http.StatusNoContent, Body: io.NopCloser(strings.NewReader("")), Header: http.Header{}}
	})

	if err := client.Delete(context.Background(), "bucket", "dumps/file.json.z", 42); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}

func TestDeleteObjectNotFound(t *testing.T) {
	t.Parallel()

	client := testClient(t, func(*http.Request) *http.Response {
		return jsonResponse(http.StatusNotFound, "")
	})
	if err := client.Delete(context.Background(), "bucket", "dumps/file.json.z", 0); err != nil {
		t.Fatalf("Delete not found should succeed: %v", err)
	}
}

func TestErrorStatusIncludesBody(t *testing.T) {
	t.Parallel()

	client := testClient(t, func(*http.Request) *http.Response {
		return jsonResponse(http.StatusForbidden, `{"error":"denied"}`)
	})
	_, err := client.Attrs(context.Background(), "", "x")
	if err == nil || !strings.Contains(err.Error(), "denied") {
		t.Fatalf("expected body in error, got %v", err)
	}
}

func TestTokenSourceCachesUntilExpiry(t *testing.T) {
	t.Parallel()

	calls := 0
	ts := &tokenSource{fetch: func(context.Context) (string, time.Time, error) {
		calls++
		return "tok", time.Now().Add(time.Hour), nil
	}}
	for i := 0; i < 3; i++ {
		if _, err := ts.Token(context.Background()); err != nil {
			t.Fatalf("Token: %v", err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected one fetch, got %d", calls)
	}
}

func TestParsePrivateKeyFormats(t *testing.T) {
	t.Parallel()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	pkcs1 := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if _, err := parsePrivateKey(string(pkcs1)); err != nil {
		t.Fatalf("pkcs1: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal pkcs8: %v", err)
	}
	pkcs8 := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if _, err := parsePrivateKey(string(pkcs8)); err != nil {
		t.Fatalf("pkcs8: %v", err)
	}
	if _, err := parsePrivateKey("garbage"); err == nil {
		t.Fatal("expected error for invalid pem")
	}

	assertion, err := signedAssertion("svc@example.com", tokenEndpoint, key, time.Now())
	if err != nil {
		t.Fatalf("signedAssertion: %v", err)
	}
	if strings.Count(assertion, ".") != 2 {
		t.Fatalf("expected a three part jwt, got %q", assertion)
	}
}
