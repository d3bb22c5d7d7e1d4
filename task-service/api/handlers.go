package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"task-pipeline/domain"
	"task-pipeline/task-service/storage"
)

const (
	headerUserID   = "X-User-Id"
	headerInstance = "X-Task-Instance"

	maxBodySize = 64 << 10
)

type Storage interface {
	List(userID string) []domain.Task
	Create(userID, title, summary string) domain.Task
	Update(userID, id string, p storage.Patch) (domain.Task, error)
	Delete(userID, id string) error
}

// Publisher hands an event to the queue and the stream. It reports false
// when the event could not be accepted.
type Publisher interface {
	Publish(env domain.Envelope) (domain.Envelope, bool)
}

type createRequest struct {
	Title   string `json:"title" validate:"required"`
	Summary string `json:"summary"`
}

type updateRequest struct {
	Title     *string `json:"title"`
	Completed *bool   `json:"completed"`
}

var validate = validator.New()

// Register wires the task and trigger endpoints on e.
func Register(e *echo.Echo, store Storage, pub Publisher, instanceID string, logger log.FieldLogger) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	logger = logger.WithField("component", "task-api")

	tasks := e.Group("/tasks", instanceHeader(instanceID))
	tasks.GET("", listTasks(store))
	tasks.POST("", createTask(store, pub, logger))
	tasks.PUT("/:id", updateTask(store, pub, logger))
	tasks.DELETE("/:id", deleteTask(store, pub, logger))

	e.POST("/events", postEvent(pub, logger))
	e.GET("/health", health(instanceID))
}

func instanceHeader(instanceID string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Response().Header().Set(headerInstance, instanceID)
			return next(c)
		}
	}
}

func errorJSON(c echo.Context, code int, msg string) error {
	return c.JSON(code, map[string]string{"error": msg})
}

func decodeBody(c echo.Context, v any) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodySize))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return io.ErrUnexpectedEOF
	}
	return sonic.Unmarshal(body, v)
}

func publish(pub Publisher, logger log.FieldLogger, env domain.Envelope) {
	if _, ok := pub.Publish(env); !ok {
		logger.WithFields(log.Fields{"type": env.Type, "user": env.UserID}).Warn("task event not published")
	}
}

func listTasks(store Storage) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID := c.Request().Header.Get(headerUserID)
		if userID == "" {
			return errorJSON(c, http.StatusUnauthorized, "Missing user ID header")
		}
		return c.JSON(http.StatusOK, store.List(userID))
	}
}

func createTask(store Storage, pub Publisher, logger log.FieldLogger) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID := c.Request().Header.Get(headerUserID)
		var req createRequest
		err := decodeBody(c, &req)
		if userID == "" || err != nil || validate.Struct(req) != nil {
			return errorJSON(c, http.StatusBadRequest, "Missing user ID or task title")
		}
		task := store.Create(userID, req.Title, req.Summary)
		publish(pub, logger, domain.Created(userID, task))
		return c.JSON(http.StatusCreated, task)
	}
}

func updateTask(store Storage, pub Publisher, logger log.FieldLogger) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID := c.Request().Header.Get(headerUserID)
		if userID == "" {
			return errorJSON(c, http.StatusUnauthorized, "Missing user ID header")
		}
		var req updateRequest
		if err := decodeBody(c, &req); err != nil {
			return errorJSON(c, http.StatusBadRequest, "invalid body")
		}
		task, err := store.Update(userID, c.Param("id"), storage.Patch{Title: req.Title, Completed: req.Completed})
		if errors.Is(err, storage.ErrNotFound) {
			return errorJSON(c, http.StatusNotFound, "Task not found")
		}
		if err != nil {
			return errorJSON(c, http.StatusInternalServerError, err.Error())
		}
		publish(pub, logger, domain.Updated(userID, task))
		return c.JSON(http.StatusOK, task)
	}
}

func deleteTask(store Storage, pub Publisher, logger log.FieldLogger) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID := c.Request().Header.Get(headerUserID)
		if userID == "" {
			return errorJSON(c, http.StatusUnauthorized, "Missing user ID header")
		}
		id := c.Param("id")
		if err := store.Delete(userID, id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return errorJSON(c, http.StatusNotFound, "Task not found")
			}
			return errorJSON(c, http.StatusInternalServerError, err.Error())
		}
		publish(pub, logger, domain.Deleted(userID, id))
		return c.NoContent(http.StatusNoContent)
	}
}

// postEvent publishes a caller-supplied envelope as is.
func postEvent(pub Publisher, logger log.FieldLogger) echo.HandlerFunc {
	return func(c echo.Context) error {
		body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodySize))
		if err != nil {
			return errorJSON(c, http.StatusBadRequest, "invalid body")
		}
		env, err := domain.DecodeEnvelope(body)
		if err != nil {
			return errorJSON(c, http.StatusBadRequest, "invalid event")
		}
		if !env.Known() {
			logger.WithField("type", env.Type).Debug("publishing event of unknown type")
		}
		published, ok := pub.Publish(env)
		if !ok {
			return errorJSON(c, http.StatusServiceUnavailable, "event not accepted")
		}
		return c.JSON(http.StatusAccepted, published)
	}
}

func health(instanceID string) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"ok": true, "instance": instanceID})
	}
}
