package gcs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"time"
)

// ObjectAttrs is the subset of the object resource the adapters read.
type ObjectAttrs struct {
	Bucket      string
	Name        string
	Generation  int64
	Size        int64
	ContentType string
	Metadata    map[string]string
	Updated     time.Time
	// Deleted is set on noncurrent generations.
	Deleted time.Time
}

// object mirrors the JSON API resource, which encodes int64 as strings.
type object struct {
	Bucket      string            `json:"bucket,omitempty"`
	Name        string            `json:"name"`
	Generation  string            `json:"generation,omitempty"`
	Size        string            `json:"size,omitempty"`
	ContentType string            `json:"contentType,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Updated     string            `json:"updated,omitempty"`
	TimeDeleted string            `json:"timeDeleted,omitempty"`
}

func (o object) attrs() ObjectAttrs {
	a := ObjectAttrs{
		Bucket:      o.Bucket,
		Name:        o.Name,
		ContentType: o.ContentType,
		Metadata:    o.Metadata,
	}
	a.Generation, _ = strconv.ParseInt(o.Generation, 10, 64)
	a.Size, _ = strconv.ParseInt(o.Size, 10, 64)
	a.Updated, _ = time.Parse(time.RFC3339Nano, o.Updated)
	if o.TimeDeleted != "" {
		a.Deleted, _ = time.Parse(time.RFC3339Nano, o.TimeDeleted)
	}
	return a
}

// Upload writes data as object name with the given metadata, replacing any
// live generation.
func (c *Client) Upload(ctx context.Context, bucket, name, contentType string, metadata map[string]string, data []byte) (ObjectAttrs, error) {
	if name == "" {
		return ObjectAttrs{}, fmt.Errorf("gcs upload: object name is required")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)

	meta, err := json.Marshal(object{Name: name, ContentType: contentType, Metadata: metadata})
	if err != nil {
		return ObjectAttrs{}, err
	}
	part, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"application/json; charset=UTF-8"}})
	if err != nil {
		return ObjectAttrs{}, err
	}
	if _, err := part.Write(meta); err != nil {
		return ObjectAttrs{}, err
	}
	part, err = mw.CreatePart(textproto.MIMEHeader{"Content-Type": {contentType}})
	if err != nil {
		return ObjectAttrs{}, err
	}
	if _, err := part.Write(data); err != nil {
		return ObjectAttrs{}, err
	}
	if err := mw.Close(); err != nil {
		return ObjectAttrs{}, err
	}

	u := fmt.Sprintf("%s/upload/storage/v1/b/%s/o?uploadType=multipart", c.baseURL, url.PathEscape(c.bucket(bucket)))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, body)
	if err != nil {
		return ObjectAttrs{}, err
	}
	req.Header.Set("Content-Type", "multipart/related; boundary="+mw.Boundary())

	resp, err := c.do(ctx, req)
	if err != nil {
		return ObjectAttrs{}, err
	}
	defer closeBody(ctx, c.logg, resp.Body, "gcs: closing upload response body failed")
	return decodeObject(resp.Body)
}

// Download returns the content and attributes of the live generation.
func (c *Client) Download(ctx context.Context, bucket, name string) ([]byte, ObjectAttrs, error) {
	attrs, err := c.Attrs(ctx, bucket, name)
	if err != nil {
		return nil, ObjectAttrs{}, err
	}

	q := url.Values{}
	q.Set("alt", "media")
	q.Set("generation", strconv.FormatInt(attrs.Generation, 10))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.objectURL(bucket, name)+"?"+q.Encode(), nil)
	if err != nil {
		return nil, ObjectAttrs{}, err
	}
	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, ObjectAttrs{}, err
	}
	defer closeBody(ctx, c.logg, resp.Body, "gcs: closing download response body failed")

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ObjectAttrs{}, fmt.Errorf("gcs download %s: %w", name, err)
	}
	return data, attrs, nil
}

// Attrs returns the metadata of the live generation.
func (c *Client) Attrs(ctx context.Context, bucket, name string) (ObjectAttrs, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.objectURL(bucket, name), nil)
	if err != nil {
		return ObjectAttrs{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.do(ctx, req)
	if err != nil {
		return ObjectAttrs{}, err
	}
	defer closeBody(ctx, c.logg, resp.Body, "gcs: closing attrs response body failed")
	return decodeObject(resp.Body)
}

// ListQuery narrows a listing. Versions includes noncurrent generations.
type ListQuery struct {
	Prefix     string
	Versions   bool
	PageToken  string
	MaxResults int
}

type ListPage struct {
	Objects       []ObjectAttrs
	NextPageToken string
}

// List returns one page of the bucket listing.
func (c *Client) List(ctx context.Context, bucket string, query ListQuery) (ListPage, error) {
	q := url.Values{}
	if query.Prefix != "" {
		q.Set("prefix", query.Prefix)
	}
	if query.Versions {
		q.Set("versions", "true")
	}
	if query.PageToken != "" {
		q.Set("pageToken", query.PageToken)
	}
	if query.MaxResults > 0 {
		q.Set("maxResults", strconv.Itoa(query.MaxResults))
	}
	u := fmt.Sprintf("%s/storage/v1/b/%s/o", c.baseURL, url.PathEscape(c.bucket(bucket)))
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return ListPage{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.do(ctx, req)
	if err != nil {
		return ListPage{}, err
	}
	defer closeBody(ctx, c.logg, resp.Body, "gcs: closing list response body failed")

	var payload struct {
		Items         []object `json:"items"`
		NextPageToken string   `json:"nextPageToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return ListPage{}, fmt.Errorf("gcs list: decoding response: %w", err)
	}
	page := ListPage{NextPageToken: payload.NextPageToken, Objects: make([]ObjectAttrs, 0, len(payload.Items))}
	for _, item := range payload.Items {
		page.Objects = append(page.Objects, item.attrs())
	}
	return page, nil
}

// Delete removes the live object, or one generation when generation > 0.
// Deleting a missing object succeeds.
func (c *Client) Delete(ctx context.Context, bucket, name string, generation int64) error {
	u := c.objectURL(bucket, name)
	if generation > 0 {
		u += "?generation=" + strconv.FormatInt(generation, 10)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, req)
	if errors.Is(err, ErrObjectNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	closeBody(ctx, c.logg, resp.Body, "gcs: closing delete response body failed")
	return nil
}

func decodeObject(r io.Reader) (ObjectAttrs, error) {
	var o object
	if err := json.NewDecoder(r).Decode(&o); err != nil {
		return ObjectAttrs{}, fmt.Errorf("gcs: decoding object resource: %w", err)
	}
	return o.attrs(), nil
}
