package httpapi

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vladislavdragonenkov/backoffice/internal/domain"
)

const idempotencyKeyHeader = "Idempotency-Key"

// bodyRecorder дублирует записываемый ответ в буфер, чтобы middleware могла
// сохранить его для повторной выдачи по тому же idempotency-key.
type bodyRecorder struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (r *bodyRecorder) Write(p []byte) (int, error) {
	r.buf.Write(p)
	return r.ResponseWriter.Write(p)
}

func (r *bodyRecorder) WriteString(s string) (int, error) {
	r.buf.WriteString(s)
	return r.ResponseWriter.WriteString(s)
}

// idempotent возвращает middleware обработки заголовка Idempotency-Key.
// Запросы без заголовка проходят насквозь. Повтор с тем же ключом и телом
// получает сохранённый ответ; тот же ключ с другим телом — 422.
func (s *Server) idempotent() gin.HandlerFunc {
	if s.idempotency == nil {
		return func(c *gin.Context) { c.Next() }
	}

	return func(c *gin.Context) {
		key := c.GetHeader(idempotencyKeyHeader)
		if key == "" {
			c.Next()
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		hash := requestHash(c.Request.Method, c.FullPath(), body)

		_, err = s.idempotency.CreateProcessing(key, hash, time.Now().Add(s.idempotencyTTL))
		if err != nil {
			if errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists) {
				s.replay(c, key, hash)
				return
			}
			if errors.Is(err, domain.ErrIdempotencyHashMismatch) {
				c.AbortWithStatusJSON(http.StatusUnprocessableEntity,
					gin.H{"error": domain.ErrIdempotencyHashMismatch.Error()})
				return
			}
			s.logger.WithError(err).Error("idempotency create failed")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		recorder := &bodyRecorder{ResponseWriter: c.Writer}
		c.Writer = recorder
		c.Next()

		status := recorder.Status()
		response := recorder.buf.Bytes()
		if status >= http.StatusOK && status < http.StatusMultipleChoices {
			err = s.idempotency.MarkDone(key, response, status)
		} else {
			err = s.idempotency.MarkFailed(key, response, status)
		}
		if err != nil {
			s.logger.WithError(err).WithField("key", key).Warn("failed to finalize idempotency record")
		}
	}
}

// replay выдаёт ранее сохранённый ответ по ключу идемпотентности.
func (s *Server) replay(c *gin.Context, key, hash string) {
	record, err := s.idempotency.Get(key)
	if err != nil {
		s.logger.WithError(err).WithField("key", key).Error("idempotency lookup failed")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	if record.RequestHash != hash {
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity,
			gin.H{"error": domain.ErrIdempotencyHashMismatch.Error()})
		return
	}

	if !record.Status.Terminal() {
		c.AbortWithStatusJSON(http.StatusConflict,
			gin.H{"error": "request with this idempotency key is still being processed"})
		return
	}

	c.Abort()
	c.Data(record.HTTPStatus, "application/json; charset=utf-8", record.ResponseBody)
}

func requestHash(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{'|'})
	h.Write([]byte(path))
	h.Write([]byte{'|'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
