// Package gcstest runs an in-memory stand-in for the Cloud Storage JSON API
// that the real storage/v1 client can talk to. It covers the endpoints the
// gcs package uses: bucket get/insert/delete, object list/get/media/delete,
// multipart upload and the batch endpoint.
package gcstest

import (
	"bufio"
	"bytes"
	"crypto/md5"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	storage "google.golang.org/api/storage/v1"
)

// FaultFunc inspects a request and returns a status code to answer with
// instead of handling it, or 0 to let it through.
type FaultFunc func(r *http.Request) int

// BatchFaultFunc does the same for one sub-request of a batch.
type BatchFaultFunc func(method, object string) int

// Server is a fake Cloud Storage endpoint.
type Server struct {
	*httptest.Server

	mu         sync.Mutex
	buckets    map[string]*bucket
	fault      FaultFunc
	batchFault BatchFaultFunc
	generation int64
	router     *mux.Router
}

type bucket struct {
	meta    *storage.Bucket
	objects map[string]*object
}

type object struct {
	meta *storage.Object
	data []byte
}

// NewServer starts a Server and closes it when t finishes.
func NewServer(t testing.TB) *Server {
	t.Helper()

	s := &Server{buckets: make(map[string]*bucket)}
	s.router = s.routes()
	s.Server = httptest.NewServer(s)
	t.Cleanup(s.Close)

	return s
}

// SetFault installs fn in front of every request; nil removes it.
func (s *Server) SetFault(fn FaultFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = fn
}

// SetBatchFault installs fn in front of every batch sub-request.
func (s *Server) SetBatchFault(fn BatchFaultFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchFault = fn
}

// AddBucket creates bucket directly.
func (s *Server) AddBucket(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets[name] = s.newBucket(&storage.Bucket{Name: name, Location: "EU", StorageClass: "STANDARD"})
}

// HasBucket reports whether bucket exists.
func (s *Server) HasBucket(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.buckets[name]
	return ok
}

// PutObject stores data directly, creating the bucket when needed.
func (s *Server) PutObject(bucketName, name string, data []byte, contentType string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[bucketName]
	if !ok {
		b = s.newBucket(&storage.Bucket{Name: bucketName, Location: "EU", StorageClass: "STANDARD"})
		s.buckets[bucketName] = b
	}
	s.storeObject(b, name, data, contentType, false)
}

// Object returns the stored bytes of an object.
func (s *Server) Object(bucketName, name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[bucketName]
	if !ok {
		return nil, false
	}
	o, ok := b.objects[name]
	if !ok {
		return nil, false
	}
	return bytes.Clone(o.data), true
}

// ObjectNames lists object names in bucket, sorted.
func (s *Server) ObjectNames(bucketName string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[bucketName]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(b.objects))
	for n := range b.objects {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	fault := s.fault
	s.mu.Unlock()

	if fault != nil {
		if code := fault(r); code != 0 {
			writeError(w, code)
			return
		}
	}

	s.router.ServeHTTP(w, r)
}

// routes matches on the escaped path so object names keep their encoded
// slashes.
func (s *Server) routes() *mux.Router {
	r := mux.NewRouter().UseEncodedPath().SkipClean(true)
	r.NotFoundHandler = statusHandler(http.StatusNotFound)
	r.MethodNotAllowedHandler = statusHandler(http.StatusMethodNotAllowed)

	r.HandleFunc("/batch/storage/v1", s.handleBatch).Methods(http.MethodPost)
	r.HandleFunc("/upload/storage/v1/b/{bucket}/o", s.handleUpload).Methods(http.MethodPost)

	api := r.PathPrefix("/storage/v1").Subrouter()
	api.HandleFunc("/b", s.handleInsertBucket).Methods(http.MethodPost)
	api.HandleFunc("/b/{bucket}", s.withBucket(s.handleGetBucket)).Methods(http.MethodGet)
	api.HandleFunc("/b/{bucket}", s.withBucket(s.handleDeleteBucket)).Methods(http.MethodDelete)
	api.HandleFunc("/b/{bucket}/o", s.withBucket(s.handleListObjects)).Methods(http.MethodGet)
	api.HandleFunc("/b/{bucket}/o/{object:.+}", s.withObject(s.handleGetObject)).Methods(http.MethodGet)
	api.HandleFunc("/b/{bucket}/o/{object:.+}", s.withObject(s.handleDeleteObject)).
		Methods(http.MethodDelete).
		Name(deleteObjectRoute)

	return r
}

const deleteObjectRoute = "object.delete"

func statusHandler(code int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, code)
	})
}

// pathVars returns the decoded values of the named route variables.
func pathVars(vars map[string]string, names ...string) ([]string, bool) {
	out := make([]string, len(names))
	for i, n := range names {
		v, err := url.PathUnescape(vars[n])
		if err != nil {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

type bucketHandler func(w http.ResponseWriter, r *http.Request, name string, b *bucket)

type objectHandler func(w http.ResponseWriter, r *http.Request, b *bucket, name string, o *object)

// withBucket resolves {bucket} under the lock, answering 404 when it is
// unknown.
func (s *Server) withBucket(next bucketHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars, ok := pathVars(mux.Vars(r), "bucket")
		if !ok {
			writeError(w, http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		b, found := s.buckets[vars[0]]
		if !found {
			writeError(w, http.StatusNotFound)
			return
		}
		next(w, r, vars[0], b)
	}
}

func (s *Server) withObject(next objectHandler) http.HandlerFunc {
	return s.withBucket(func(w http.ResponseWriter, r *http.Request, _ string, b *bucket) {
		vars, ok := pathVars(mux.Vars(r), "object")
		if !ok {
			writeError(w, http.StatusBadRequest)
			return
		}

		o, found := b.objects[vars[0]]
		if !found {
			writeError(w, http.StatusNotFound)
			return
		}
		next(w, r, b, vars[0], o)
	})
}

func (s *Server) handleInsertBucket(w http.ResponseWriter, r *http.Request) {
	var meta storage.Bucket
	if err := json.NewDecoder(r.Body).Decode(&meta); err != nil || meta.Name == "" {
		writeError(w, http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.buckets[meta.Name]; ok {
		writeError(w, http.StatusConflict)
		return
	}
	b := s.newBucket(&meta)
	s.buckets[meta.Name] = b
	writeJSON(w, http.StatusOK, b.meta)
}

func (s *Server) handleGetBucket(w http.ResponseWriter, _ *http.Request, _ string, b *bucket) {
	writeJSON(w, http.StatusOK, b.meta)
}

func (s *Server) handleDeleteBucket(w http.ResponseWriter, _ *http.Request, name string, b *bucket) {
	if len(b.objects) > 0 {
		writeError(w, http.StatusConflict)
		return
	}
	delete(s.buckets, name)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListObjects(w http.ResponseWriter, _ *http.Request, _ string, b *bucket) {
	names := make([]string, 0, len(b.objects))
	for n := range b.objects {
		names = append(names, n)
	}
	sort.Strings(names)

	out := &storage.Objects{Kind: "storage#objects"}
	for _, n := range names {
		out.Items = append(out.Items, b.objects[n].meta)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request, _ *bucket, _ string, o *object) {
	if r.URL.Query().Get("alt") == "media" {
		serveMedia(w, r, o)
		return
	}
	writeJSON(w, http.StatusOK, o.meta)
}

func (s *Server) handleDeleteObject(w http.ResponseWriter, _ *http.Request, b *bucket, name string, _ *object) {
	delete(b.objects, name)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	vars, ok := pathVars(mux.Vars(r), "bucket")
	if !ok {
		writeError(w, http.StatusBadRequest)
		return
	}
	if ut := r.URL.Query().Get("uploadType"); ut != "multipart" {
		writeError(w, http.StatusBadRequest)
		return
	}

	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/related" {
		writeError(w, http.StatusBadRequest)
		return
	}

	mr := multipart.NewReader(r.Body, params["boundary"])

	metaPart, err := mr.NextPart()
	if err != nil {
		writeError(w, http.StatusBadRequest)
		return
	}
	var meta storage.Object
	if err := json.NewDecoder(metaPart).Decode(&meta); err != nil {
		writeError(w, http.StatusBadRequest)
		return
	}

	mediaPart, err := mr.NextPart()
	if err != nil {
		writeError(w, http.StatusBadRequest)
		return
	}
	data, err := io.ReadAll(mediaPart)
	if err != nil {
		writeError(w, http.StatusBadRequest)
		return
	}

	contentType := meta.ContentType
	if contentType == "" {
		contentType = mediaPart.Header.Get("Content-Type")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[vars[0]]
	if !ok {
		writeError(w, http.StatusNotFound)
		return
	}

	o := s.storeObject(b, meta.Name, data, contentType, r.URL.Query().Get("predefinedAcl") == "publicRead")
	writeJSON(w, http.StatusOK, o.meta)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/mixed" {
		writeError(w, http.StatusBadRequest)
		return
	}

	var out bytes.Buffer
	mw := multipart.NewWriter(&out)

	mr := multipart.NewReader(r.Body, params["boundary"])
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeError(w, http.StatusBadRequest)
			return
		}

		sub, err := http.ReadRequest(bufio.NewReader(part))
		if err != nil {
			writeError(w, http.StatusBadRequest)
			return
		}

		status := s.batchDelete(sub)

		header := textproto.MIMEHeader{}
		header.Set("Content-Type", "application/http")
		header.Set("Content-ID", "<response-"+strings.Trim(part.Header.Get("Content-ID"), "<>")+">")
		pw, err := mw.CreatePart(header)
		if err != nil {
			writeError(w, http.StatusInternalServerError)
			return
		}
		writeSubResponse(pw, status)
	}
	if err := mw.Close(); err != nil {
		writeError(w, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/mixed; boundary="+mw.Boundary())
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out.Bytes())
}

// batchDelete runs one DELETE sub-request. Only object deletion may be
// batched here.
func (s *Server) batchDelete(r *http.Request) int {
	var match mux.RouteMatch
	if !s.router.Match(r, &match) || match.Route.GetName() != deleteObjectRoute {
		return http.StatusBadRequest
	}

	vars, ok := pathVars(match.Vars, "bucket", "object")
	if !ok {
		return http.StatusBadRequest
	}
	bucketName, name := vars[0], vars[1]

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.batchFault != nil {
		if code := s.batchFault(r.Method, name); code != 0 {
			return code
		}
	}

	b, ok := s.buckets[bucketName]
	if !ok {
		return http.StatusNotFound
	}
	if _, ok := b.objects[name]; !ok {
		return http.StatusNotFound
	}
	delete(b.objects, name)

	return http.StatusNoContent
}

func (s *Server) newBucket(meta *storage.Bucket) *bucket {
	if meta.StorageClass == "" {
		meta.StorageClass = "STANDARD"
	}
	meta.Kind = "storage#bucket"
	meta.Id = meta.Name
	meta.SelfLink = s.URL + "/storage/v1/b/" + meta.Name
	meta.Metageneration = 1
	meta.Etag = "CAE="
	meta.TimeCreated = time.Now().UTC().Format(time.RFC3339Nano)

	return &bucket{meta: meta, objects: make(map[string]*object)}
}

func (s *Server) storeObject(b *bucket, name string, data []byte, contentType string, public bool) *object {
	s.generation++

	sum := md5.Sum(data)
	crc := make([]byte, 4)
	binary.BigEndian.PutUint32(crc, crc32.Checksum(data, crc32.MakeTable(crc32.Castagnoli)))
	now := time.Now().UTC().Format(time.RFC3339Nano)

	meta := &storage.Object{
		Kind:           "storage#object",
		Id:             fmt.Sprintf("%s/%s/%d", b.meta.Name, name, s.generation),
		Name:           name,
		Bucket:         b.meta.Name,
		ContentType:    contentType,
		Size:           uint64(len(data)),
		Md5Hash:        base64.StdEncoding.EncodeToString(sum[:]),
		Crc32c:         base64.StdEncoding.EncodeToString(crc),
		Etag:           base64.StdEncoding.EncodeToString([]byte(strconv.FormatInt(s.generation, 10))),
		Generation:     s.generation,
		Metageneration: 1,
		StorageClass:   b.meta.StorageClass,
		SelfLink:       s.URL + "/storage/v1/b/" + b.meta.Name + "/o/" + url.PathEscape(name),
		MediaLink:      s.URL + "/download/storage/v1/b/" + b.meta.Name + "/o/" + url.PathEscape(name) + "?alt=media",
		TimeCreated:    now,
		Updated:        now,
		Owner:          &storage.ObjectOwner{Entity: "user-fake@example.com"},
	}
	if public {
		meta.Acl = []*storage.ObjectAccessControl{{Entity: "allUsers", Role: "READER"}}
	}

	o := &object{meta: meta, data: bytes.Clone(data)}
	b.objects[name] = o
	return o
}

func serveMedia(w http.ResponseWriter, r *http.Request, o *object) {
	size := int64(len(o.data))

	rng := r.Header.Get("Range")
	if rng == "" {
		w.Header().Set("Content-Type", o.meta.ContentType)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(o.data)
		return
	}

	start, end, ok := parseRange(rng)
	if !ok || start >= size {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		writeError(w, http.StatusRequestedRangeNotSatisfiable)
		return
	}
	if end < 0 || end >= size {
		end = size - 1
	}

	w.Header().Set("Content-Type", o.meta.ContentType)
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	w.WriteHeader(http.StatusPartialContent)
	_, _ = w.Write(o.data[start : end+1])
}

// parseRange handles the single "bytes=a-b" or "bytes=a-" form.
func parseRange(v string) (int64, int64, bool) {
	byteRange, ok := strings.CutPrefix(v, "bytes=")
	if !ok {
		return 0, 0, false
	}
	from, to, ok := strings.Cut(byteRange, "-")
	if !ok {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(from, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	if to == "" {
		return start, -1, true
	}
	end, err := strconv.ParseInt(to, 10, 64)
	if err != nil || end < start {
		return 0, 0, false
	}
	return start, end, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func errorBody(status int) []byte {
	text := http.StatusText(status)
	body, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": text,
			"errors": []map[string]string{
				{"domain": "global", "reason": strings.ReplaceAll(strings.ToLower(text), " ", ""), "message": text},
			},
		},
	})
	return body
}

func writeError(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(status)
	_, _ = w.Write(errorBody(status))
}

func writeSubResponse(w io.Writer, status int) {
	if status == http.StatusNoContent {
		_, _ = fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nContent-Length: 0\r\n\r\n", status, http.StatusText(status))
		return
	}

	body := errorBody(status)
	_, _ = fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nContent-Type: application/json; charset=UTF-8\r\nContent-Length: %d\r\n\r\n",
		status, http.StatusText(status), len(body))
	_, _ = w.Write(body)
}
