package api

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image/jpeg"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"watchpost/internal/store"
)

var unsafeNameChars = regexp.MustCompile(`[^A-Z0-9_-]+`)

// criminalRequest is the body of POST /api/criminals.
// Image is an optional base64 JPEG face photo.
type criminalRequest struct {
	Name        string `json:"name"`
	Age         int    `json:"age"`
	CrimeType   string `json:"crime_type"`
	ThreatLevel string `json:"threat_level"`
	Image       string `json:"image,omitempty"`
}

type countResponse struct {
	Count int `json:"count"`
}

func (s *Server) listCriminals(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListCriminals(r.Context())
	if err != nil {
		s.fail(r.Context(), w, http.StatusInternalServerError, err)
		return
	}
	if list == nil {
		list = []*store.Criminal{}
	}
	s.encode(r.Context(), w, http.StatusOK, list)
}

func (s *Server) countCriminals(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.CountCriminalRecords(r.Context())
	if err != nil {
		s.fail(r.Context(), w, http.StatusInternalServerError, err)
		return
	}
	s.encode(r.Context(), w, http.StatusOK, countResponse{Count: n})
}

// addCriminal stores a gallery record. A supplied photo is saved under the
// criminal directory and enrolled with the identity provider when it supports it.
func (s *Server) addCriminal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req criminalRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(ctx, w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		s.fail(ctx, w, http.StatusBadRequest, errors.New("name is required"))
		return
	}
	if req.Age < 0 {
		s.fail(ctx, w, http.StatusBadRequest, errors.New("age must not be negative"))
		return
	}

	key := criminalFileKey(req.Name)
	existing, err := s.store.ListCriminals(ctx)
	if err != nil {
		s.fail(ctx, w, http.StatusInternalServerError, err)
		return
	}
	// the image file and the gallery identity are both keyed by name
	for _, other := range existing {
		if criminalFileKey(other.Name) == key {
			s.fail(ctx, w, http.StatusConflict, fmt.Errorf("criminal %q already exists", other.Name))
			return
		}
	}

	c := &store.Criminal{
		Name:        req.Name,
		Age:         req.Age,
		CrimeType:   req.CrimeType,
		ThreatLevel: req.ThreatLevel,
		LastSeen:    s.now(),
	}

	enrolled := false
	rollback := func() {
		if c.ImagePath != "" {
			if err := os.Remove(c.ImagePath); err != nil && !os.IsNotExist(err) {
				s.log.WithError(err).WithField("path", c.ImagePath).Warn("Failed to remove criminal image")
			}
		}
		if enrolled {
			if err := s.gallery.Forget(ctx, c.Name); err != nil {
				s.log.WithError(err).WithField("name", c.Name).Warn("Failed to remove face from gallery")
			}
		}
	}

	if req.Image != "" {
		data, err := base64.StdEncoding.DecodeString(req.Image)
		if err != nil {
			s.fail(ctx, w, http.StatusBadRequest, fmt.Errorf("image is not valid base64: %w", err))
			return
		}
		face, err := jpeg.Decode(bytes.NewReader(data))
		if err != nil {
			s.fail(ctx, w, http.StatusBadRequest, fmt.Errorf("image is not a JPEG: %w", err))
			return
		}
		if s.gallery != nil {
			if err := s.gallery.Enroll(ctx, c.Name, face); err != nil {
				s.fail(ctx, w, http.StatusBadGateway, fmt.Errorf("failed to enroll face: %w", err))
				return
			}
			enrolled = true
		}
		if c.ImagePath, err = s.saveCriminalImage(key, data); err != nil {
			rollback()
			s.fail(ctx, w, http.StatusInternalServerError, err)
			return
		}
	}

	if err := s.store.AddCriminal(ctx, c); err != nil {
		rollback()
		s.fail(ctx, w, http.StatusInternalServerError, err)
		return
	}
	s.log.WithField("criminal_id", c.ID).WithField("name", c.Name).Info("Criminal record added")
	s.encode(ctx, w, http.StatusCreated, c)
}

func (s *Server) deleteCriminal(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()
	c, err := s.store.DeleteCriminal(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		s.fail(ctx, w, http.StatusNotFound, fmt.Errorf("criminal %s not found", id))
		return
	}
	if err != nil {
		s.fail(ctx, w, http.StatusInternalServerError, err)
		return
	}

	if c.ImagePath != "" && filepath.Dir(c.ImagePath) == filepath.Clean(s.criminalDir) {
		if err := os.Remove(c.ImagePath); err != nil && !os.IsNotExist(err) {
			s.log.WithError(err).WithField("path", c.ImagePath).Warn("Failed to remove criminal image")
		}
	}
	if s.gallery != nil {
		if err := s.gallery.Forget(ctx, c.Name); err != nil {
			s.log.WithError(err).WithField("name", c.Name).Warn("Failed to remove face from gallery")
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// criminalFileKey maps a name to its image file stem, NAME_WITH_UNDERSCORES
func criminalFileKey(name string) string {
	file := unsafeNameChars.ReplaceAllString(strings.ToUpper(strings.ReplaceAll(name, " ", "_")), "")
	if file == "" {
		return "UNKNOWN"
	}
	return file
}

// saveCriminalImage writes data as KEY.jpg under the criminal directory
func (s *Server) saveCriminalImage(key string, data []byte) (string, error) {
	if err := os.MkdirAll(s.criminalDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create criminal directory: %w", err)
	}
	path := filepath.Join(s.criminalDir, key+".jpg")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to save criminal image: %w", err)
	}
	return path, nil
}
