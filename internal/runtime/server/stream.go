package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Twisside/PAD-breaker/internal/runtime/logging"
)

// MIMEApplicationNDJSON is the content type of GET /stream/:topic.
const MIMEApplicationNDJSON = "application/x-ndjson"

var newline = []byte{'\n'}

// streamTopic (GET /stream/:topic) writes every envelope published on the
// topic after the client connected, one JSON document per line, until the
// client goes away.
func (s *Server) streamTopic(c echo.Context) error {
	ctx := c.Request().Context()
	topic := c.Param("topic")

	feed, err := s.stream.Listen(ctx, topic)
	if err != nil {
		return err
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, MIMEApplicationNDJSON)
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	s.logger.Debug("Stream client connected", logging.LogFields{"topic": topic})
	defer s.logger.Debug("Stream client disconnected", logging.LogFields{"topic": topic})

	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-feed:
			if !ok {
				return nil
			}
			// payload may be shared with other listeners, never append to it
			if _, err := res.Write(payload); err != nil {
				return nil
			}
			if _, err := res.Write(newline); err != nil {
				return nil
			}
			res.Flush()
		}
	}
}
