package service

import (
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/InsulaLabs/onvm/internal/blob"
	"github.com/InsulaLabs/onvm/internal/share"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

type listResponse struct {
	Data []blob.Info `json:"data"`
}

// publicOrigin is the base share links are built on: the configured
// origin, or the one the request arrived at.
func (s *Service) publicOrigin(r *http.Request) string {
	if s.cfg.PublicOrigin != "" {
		return s.cfg.PublicOrigin
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func (s *Service) infoHandler(w http.ResponseWriter, r *http.Request) {
	info, err := s.blobs.GetInfo(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Service) shareLinksHandler(w http.ResponseWriter, r *http.Request) {
	info, err := s.blobs.GetInfo(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	links, err := share.DeriveFor(s.publicOrigin(r), info.ID, info.ContentType())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, links)
}

// cdnHandler streams raw content. Seekable bodies go through
// http.ServeContent, which handles Range, HEAD and conditional requests.
func (s *Service) cdnHandler(w http.ResponseWriter, r *http.Request) {
	content, err := s.blobs.GetContent(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer content.Close()

	h := w.Header()
	h.Set("Content-Type", content.ContentType)
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Cache-Control", "public, max-age=31536000, immutable")
	if content.ETag != "" {
		h.Set("ETag", `"`+content.ETag+`"`)
	}
	if r.URL.Query().Get("download") != "" {
		h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
			"filename": downloadName(content.Info),
		}))
	}

	if rs, ok := content.Body.(io.ReadSeeker); ok {
		http.ServeContent(w, r, "", content.ModTime, rs)
		return
	}

	h.Set("Content-Length", strconv.FormatInt(content.Size, 10))
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, content.Body); err != nil {
		s.logger.Debug("Content stream interrupted", "id", content.Info.ID, "error", err)
	}
}

// downloadName is the id plus an extension guessed from the content type.
func downloadName(info blob.Info) string {
	ct := info.ContentType()
	if base, _, err := mime.ParseMediaType(ct); err == nil {
		ct = base
	}
	if exts, err := mime.ExtensionsByType(ct); err == nil && len(exts) > 0 {
		return info.ID + exts[0]
	}
	return info.ID
}

func (s *Service) uploadHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	limit := s.cfg.Storage.MaxBlobSize
	if r.ContentLength > limit {
		writeErrorResponse(w, http.StatusRequestEntityTooLarge, "TOO_LARGE", "blob exceeds maximum size of "+strconv.FormatInt(limit, 10)+" bytes")
		return
	}

	declared := strings.TrimSpace(r.Header.Get("Content-Type"))
	if declared == blob.DefaultContentType {
		declared = ""
	}

	info, err := s.blobs.Put(r.Context(), r.Body, declared)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("Blob uploaded", "id", info.ID, "size", info.Size, "remote_addr", s.getRemoteAddress(r))
	w.Header().Set("Location", "/api/blob/"+info.ID+"/info")
	writeJSON(w, http.StatusCreated, info)
}

func (s *Service) deleteHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.blobs.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type verifyResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// verifyHandler re-hashes a local blob. Corruption answers 500 with
// error_type DATA_CORRUPTION.
func (s *Service) verifyHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.blobs.Verify(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{ID: id, Status: "ok"})
}

func (s *Service) listHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset, err := queryInt(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		writeErrorResponse(w, http.StatusBadRequest, "INVALID_QUERY", "offset must be a non-negative integer")
		return
	}
	limit, err := queryInt(q.Get("limit"), defaultListLimit)
	if err != nil || limit <= 0 {
		writeErrorResponse(w, http.StatusBadRequest, "INVALID_QUERY", "limit must be a positive integer")
		return
	}
	limit = min(limit, maxListLimit)

	infos, err := s.blobs.List(strings.ToLower(q.Get("prefix")), offset, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if infos == nil {
		infos = []blob.Info{}
	}
	writeJSON(w, http.StatusOK, listResponse{Data: infos})
}

func queryInt(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
