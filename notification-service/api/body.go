package api

import (
	"io"

	"github.com/labstack/echo/v4"
)

const maxBodySize = 64 << 10

func readBody(c echo.Context) ([]byte, error) {
	return io.ReadAll(io.LimitReader(c.Request().Body, maxBodySize))
}
