package httpserver

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/and161185/securehub/internal/model"
	"github.com/and161185/securehub/internal/service"
)

// uploadPatch reads the optional watermark form fields sent with an upload.
func uploadPatch(r *http.Request) (model.WatermarkPatch, error) {
	var p model.WatermarkPatch
	if v := r.FormValue("watermark_enabled"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return p, errors.New("watermark_enabled must be a boolean")
		}
		p.Enabled = &b
	}
	if v := r.FormValue("watermark_text"); v != "" {
		p.Text = &v
	}
	if v := r.FormValue("font_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, errors.New("font_size must be an integer")
		}
		p.FontSize = &n
	}
	if v := r.FormValue("opacity"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return p, errors.New("opacity must be a number")
		}
		p.Opacity = &f
	}
	return p, nil
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request, p *model.User) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload+1<<20)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "upload too large"})
			return
		}
		badRequest(w, "multipart form with a file field required")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	f, hdr, err := r.FormFile("file")
	if err != nil {
		badRequest(w, "file required")
		return
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, s.maxUpload+1))
	if err != nil {
		badRequest(w, "unreadable upload")
		return
	}
	if int64(len(data)) > s.maxUpload {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "upload too large"})
		return
	}
	patch, err := uploadPatch(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	doc, err := s.docs.Upload(r.Context(), p, service.UploadInput{
		Filename:    hdr.Filename,
		ContentType: hdr.Header.Get("Content-Type"),
		Data:        data,
		Watermark:   patch,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDocument(*doc))
}

func (s *Server) listDocuments(w http.ResponseWriter, r *http.Request, p *model.User) {
	page := pageFromQuery(r)
	docs, total, err := s.docs.List(r.Context(), p, page)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPage(docs, total, page, toDocument))
}

func (s *Server) getDocument(w http.ResponseWriter, r *http.Request, p *model.User) {
	id, ok := pathID(r)
	if !ok {
		badRequest(w, "invalid id")
		return
	}
	d, err := s.docs.Get(r.Context(), p, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDocument(*d))
}

func (s *Server) deleteDocument(w http.ResponseWriter, r *http.Request, p *model.User) {
	id, ok := pathID(r)
	if !ok {
		badRequest(w, "invalid id")
		return
	}
	if err := s.docs.Delete(r.Context(), p, id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okOut{OK: true})
}

func (s *Server) setMetadata(w http.ResponseWriter, r *http.Request, p *model.User) {
	id, ok := pathID(r)
	if !ok {
		badRequest(w, "invalid id")
		return
	}
	var in metadataIn
	if err := decodeJSON(w, r, &in); err != nil {
		badRequest(w, "invalid body")
		return
	}
	d, err := s.docs.UpdateMetadata(r.Context(), p, id, in.patch())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDocument(*d))
}

// changeAccess decodes a grant target and applies op to it.
func (s *Server) changeAccess(w http.ResponseWriter, r *http.Request, op func(id int64, t model.GrantTarget) (int64, error)) {
	id, ok := pathID(r)
	if !ok {
		badRequest(w, "invalid id")
		return
	}
	var in targetIn
	if err := decodeJSON(w, r, &in); err != nil {
		badRequest(w, "invalid body")
		return
	}
	target, err := model.TargetFromIDs(in.UserID, in.GroupID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	n, err := op(id, target)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		OK      bool  `json:"ok"`
		Changed int64 `json:"changed"`
	}{true, n})
}

func (s *Server) grant(w http.ResponseWriter, r *http.Request, p *model.User) {
	s.changeAccess(w, r, func(id int64, t model.GrantTarget) (int64, error) {
		return s.docs.Grant(r.Context(), p, id, t)
	})
}

func (s *Server) revoke(w http.ResponseWriter, r *http.Request, p *model.User) {
	s.changeAccess(w, r, func(id int64, t model.GrantTarget) (int64, error) {
		return s.docs.Revoke(r.Context(), p, id, t)
	})
}

func (s *Server) download(w http.ResponseWriter, r *http.Request, p *model.User) {
	id, ok := pathID(r)
	if !ok {
		badRequest(w, "invalid id")
		return
	}
	d, err := s.docs.Download(r.Context(), p, id, clientIP(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", d.ContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": d.Filename}))
	w.Header().Set("Content-Length", strconv.Itoa(len(d.Data)))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(d.Data)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}

func (s *Server) listDownloads(w http.ResponseWriter, r *http.Request, p *model.User) {
	q := r.URL.Query()
	var f model.DownloadFilter
	var err error
	if v := q.Get("user_id"); v != "" {
		if f.UserID, err = strconv.ParseInt(v, 10, 64); err != nil {
			badRequest(w, "invalid user_id")
			return
		}
	}
	if v := q.Get("document_id"); v != "" {
		if f.DocumentID, err = strconv.ParseInt(v, 10, 64); err != nil {
			badRequest(w, "invalid document_id")
			return
		}
	}
	f.Username = strings.TrimSpace(q.Get("username"))
	if f.From, err = parseTime(q.Get("start_ts")); err != nil {
		badRequest(w, "invalid start_ts")
		return
	}
	if f.To, err = parseTime(q.Get("end_ts")); err != nil {
		badRequest(w, "invalid end_ts")
		return
	}

	page := pageFromQuery(r)
	logs, total, err := s.docs.ListDownloads(r.Context(), p, f, page)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPage(logs, total, page, func(l model.DownloadLog) downloadOut {
		return downloadOut(l)
	}))
}

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request, p *model.User) {
	page := pageFromQuery(r)
	recs, total, err := s.docs.ListAudit(r.Context(), p, page)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPage(recs, total, page, func(a model.AuditRecord) auditOut {
		return auditOut(a)
	}))
}
