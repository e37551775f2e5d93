package service

import (
	"bytes"
	"errors"
	"html/template"
	"net/http"
	"net/url"
	"strings"

	"github.com/InsulaLabs/onvm/internal/blob"
	"github.com/InsulaLabs/onvm/internal/format"
	"github.com/InsulaLabs/onvm/internal/share"
)

func (s *Service) renderPage(w http.ResponseWriter, status int, tmpl *template.Template, data any) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		s.logger.Error("Failed to render page", "template", tmpl.Name(), "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

func (s *Service) indexHandler(w http.ResponseWriter, r *http.Request) {
	s.renderPage(w, http.StatusOK, indexPageTemplate, indexPageData{Style: template.CSS(pageStyle)})
}

// shareLookupHandler takes the index form submission.
func (s *Service) shareLookupHandler(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if err := blob.ValidateID(id); err != nil {
		message := "Invalid Blob ID"
		if errors.Is(err, blob.ErrEmptyID) {
			message = "Please enter a Blob ID"
		}
		s.renderPage(w, http.StatusBadRequest, indexPageTemplate, indexPageData{
			Style:   template.CSS(pageStyle),
			ID:      id,
			Message: message,
		})
		return
	}
	http.Redirect(w, r, "/share/"+url.PathEscape(id), http.StatusSeeOther)
}

func (s *Service) sharePageHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	info, err := s.blobs.GetInfo(r.Context(), id)
	if err != nil {
		status, _ := classify(err)
		message := "Error fetching blob info"
		switch status {
		case http.StatusNotFound:
			message = "Blob not found"
		case http.StatusBadRequest:
			message = "Invalid Blob ID"
		default:
			s.logger.Error("Share page lookup failed", "id", id, "error", err)
		}
		s.renderPage(w, status, indexPageTemplate, indexPageData{
			Style:   template.CSS(pageStyle),
			ID:      id,
			Message: message,
		})
		return
	}

	ct := info.ContentType()
	links, err := share.DeriveFor(s.publicOrigin(r), info.ID, ct)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	data := sharePageData{
		Style:        template.CSS(pageStyle),
		ID:           info.ID,
		ShortID:      format.TruncateID(info.ID),
		ContentType:  ct,
		Size:         format.FormatSize(info.Size),
		Kind:         string(share.KindOf(ct)),
		DownloadName: downloadName(info),
	}
	data.Links.Direct = links.Direct
	data.Links.Embed = links.Embed
	s.renderPage(w, http.StatusOK, sharePageTemplate, data)
}
