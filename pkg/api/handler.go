package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"lecture-assistant/pkg/index"
	"lecture-assistant/pkg/logging"
	"lecture-assistant/pkg/models"
	"lecture-assistant/pkg/pipeline"
	"lecture-assistant/pkg/progress"
	"lecture-assistant/pkg/retrieval"
	"lecture-assistant/pkg/storage"
)

const maxMultipartMemory = 32 << 20

var validate = validator.New()

// Scheduler accepts jobs for background processing.
type Scheduler interface {
	Submit(jobID string) error
}

// Answerer answers questions about processed lectures.
type Answerer interface {
	Answer(ctx context.Context, lectureID, question string) retrieval.Answer
	ClearCache()
}

// VectorAdmin removes indexed lectures.
type VectorAdmin interface {
	Drop(collection string) error
	Clear() error
}

type Handlers struct {
	store        storage.Store
	scheduler    Scheduler
	answerer     Answerer
	vectors      VectorAdmin
	hub          *progress.Hub
	uploadDir    string
	queryTimeout time.Duration
	log          logrus.FieldLogger
	now          func() time.Time
}

type Deps struct {
	Store     storage.Store
	Scheduler Scheduler
	Answerer  Answerer
	Vectors   VectorAdmin
	Hub       *progress.Hub
	UploadDir string

	// QueryTimeout bounds one /rag-query; zero means the request context only.
	QueryTimeout time.Duration
	Logger       logrus.FieldLogger
}

func NewHandlers(deps Deps) *Handlers {
	hub := deps.Hub
	if hub == nil {
		hub = progress.NewHub(deps.Logger)
	}
	return &Handlers{
		store:        deps.Store,
		scheduler:    deps.Scheduler,
		answerer:     deps.Answerer,
		vectors:      deps.Vectors,
		hub:          hub,
		uploadDir:    deps.UploadDir,
		queryTimeout: deps.QueryTimeout,
		log:          logging.OrDiscard(deps.Logger),
		now:          time.Now,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func (h *Handlers) RootHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Lecture Chat Backend Running"})
}

// StoredFilename stamps an uploaded filename so repeated uploads do not collide.
func StoredFilename(original string, now time.Time) string {
	name := filepath.Base(strings.ReplaceAll(original, "\\", "/"))
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	return fmt.Sprintf("%s_%s%s", base, now.UTC().Format("20060102T150405"), ext)
}

func (h *Handlers) UploadHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		writeError(w, http.StatusBadRequest, "Failed to parse form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	original := filepath.Base(header.Filename)
	if original == "" || original == "." || original == "/" {
		writeError(w, http.StatusBadRequest, "file name is required")
		return
	}
	restart, _ := strconv.ParseBool(r.FormValue("restart"))

	filename := StoredFilename(original, h.now())
	log := h.log.WithFields(logrus.Fields{"job_id": filename, "restart": restart})

	size, err := h.saveUpload(filename, file)
	if err != nil {
		log.WithError(err).Error("failed to store upload")
		writeError(w, http.StatusInternalServerError, "Failed to store upload")
		return
	}
	log.WithField("bytes", size).Info("upload stored")

	if err := h.store.ClearSessions(); err != nil {
		log.WithError(err).Warn("failed to clear previous sessions")
	}
	session := models.NewSession(filename)
	if err := h.store.AddSession(session); err != nil {
		log.WithError(err).Error("failed to create session")
		writeError(w, http.StatusInternalServerError, "Failed to create session")
		return
	}

	if restart {
		if err := h.store.DeleteJob(filename); err != nil {
			log.WithError(err).Warn("failed to discard previous job")
		}
		if h.vectors != nil {
			if err := h.vectors.Drop(index.CollectionName(filename)); err != nil {
				log.WithError(err).Warn("failed to discard previous index")
			}
		}
	}

	if err := h.store.CreateJob(models.NewJob(filename)); err != nil {
		if errors.Is(err, storage.ErrJobExists) {
			writeError(w, http.StatusConflict, "A job for this file already exists; retry with restart=true")
			return
		}
		log.WithError(err).Error("failed to create job")
		writeError(w, http.StatusInternalServerError, "Failed to create job")
		return
	}

	if err := h.scheduler.Submit(filename); err != nil {
		log.WithError(err).Warn("job rejected by scheduler")
		_, _ = h.store.UpdateJob(filename, func(j *models.Job) error {
			j.Error = err.Error()
			return storage.Transition(j, models.StatusError)
		})
		status := http.StatusServiceUnavailable
		if errors.Is(err, pipeline.ErrAlreadyActive) {
			status = http.StatusConflict
		}
		writeError(w, status, fmt.Sprintf("Failed to queue job: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"filename": filename,
		"status":   "uploaded",
		"session":  session,
	})
}

func (h *Handlers) saveUpload(filename string, src io.Reader) (int64, error) {
	if err := os.MkdirAll(h.uploadDir, 0o755); err != nil {
		return 0, err
	}
	dst, err := os.Create(filepath.Join(h.uploadDir, filename))
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	return n, err
}

func (h *Handlers) SessionsHandler(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.store.ListSessions()
	if err != nil {
		h.log.WithError(err).Error("failed to list sessions")
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if sessions == nil {
		sessions = []*models.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (h *Handlers) ProcessingStatusHandler(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.store.ListJobs()
	if err != nil {
		h.log.WithError(err).Error("failed to list jobs")
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

func (h *Handlers) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := h.store.GetJob(id)
	if errors.Is(err, storage.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		h.log.WithError(err).WithField("job_id", id).Error("failed to get job")
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handlers) LecturesHandler(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.store.ListJobs()
	if err != nil {
		h.log.WithError(err).Error("failed to list jobs")
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	lectures := []*models.Job{}
	for _, j := range jobs {
		if j.Status == models.StatusDone {
			lectures = append(lectures, j)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"lectures": lectures})
}

type ragQuery struct {
	VideoID string `json:"video_id" validate:"required"`
	Query   string `json:"query"`
}

// validationDetail renders validator failures as one detail string.
func validationDetail(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("Field '%s' failed on the '%s' tag", fe.Field(), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}

func (h *Handlers) RAGQueryHandler(w http.ResponseWriter, r *http.Request) {
	var q ragQuery
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	// An empty query is answered, not rejected.
	if err := validate.Struct(q); err != nil {
		writeError(w, http.StatusBadRequest, validationDetail(err))
		return
	}
	ctx := r.Context()
	if h.queryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.queryTimeout)
		defer cancel()
	}
	answer := h.answerer.Answer(ctx, q.VideoID, q.Query)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"video_id":   q.VideoID,
		"query":      q.Query,
		"answer":     answer.Text,
		"timestamps": answer.Timestamps,
	})
}

// ClearDataHandler removes jobs, sessions, uploaded files, indexed lectures and memoized searches.
func (h *Handlers) ClearDataHandler(w http.ResponseWriter, r *http.Request) {
	var failed bool
	if err := h.store.ClearJobs(); err != nil {
		h.log.WithError(err).Error("failed to clear jobs")
		failed = true
	}
	if err := h.store.ClearSessions(); err != nil {
		h.log.WithError(err).Error("failed to clear sessions")
		failed = true
	}
	if h.vectors != nil {
		if err := h.vectors.Clear(); err != nil {
			h.log.WithError(err).Error("failed to clear indexed lectures")
			failed = true
		}
	}
	h.answerer.ClearCache()

	entries, err := os.ReadDir(h.uploadDir)
	if err != nil && !os.IsNotExist(err) {
		h.log.WithError(err).Warn("failed to list uploads")
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(h.uploadDir, e.Name())); err != nil {
			h.log.WithError(err).WithField("file", e.Name()).Warn("failed to remove upload")
		}
	}

	if failed {
		writeError(w, http.StatusInternalServerError, "Failed to clear all data")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "All data cleared successfully"})
}
