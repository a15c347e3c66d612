package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Twisside/PAD-breaker/internal/runtime/jsoncodec"
)

// jsonSerializer routes echo's JSON handling through jsoncodec.
type jsonSerializer struct{}

func (jsonSerializer) Serialize(c echo.Context, i any, indent string) error {
	if indent != "" {
		b, err := jsoncodec.MarshalIndent(i, "", indent)
		if err != nil {
			return err
		}
		_, err = c.Response().Write(append(b, '\n'))
		return err
	}
	return jsoncodec.Encode(c.Response(), i)
}

func (jsonSerializer) Deserialize(c echo.Context, i any) error {
	if err := jsoncodec.Decode(c.Request().Body, i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body").SetInternal(err)
	}
	return nil
}
