package fhir

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// SetVersionHeaders sets ETag and Last-Modified headers on the response.
func SetVersionHeaders(c echo.Context, versionID int, lastModified time.Time) {
	c.Response().Header().Set("ETag", FormatETag(versionID))
	if !lastModified.IsZero() {
		c.Response().Header().Set("Last-Modified", lastModified.UTC().Format(http.TimeFormat))
	}
}

// IfMatchVersion reads the If-Match header. It returns 0 when the header is
// absent (unconditional write).
func IfMatchVersion(c echo.Context) (int, error) {
	ifMatch := c.Request().Header.Get("If-Match")
	if ifMatch == "" {
		return 0, nil
	}
	return ParseETag(ifMatch)
}

// ParseETag extracts the version number from an ETag value like W/"3" or "3".
// Versions start at 1; anything lower is an error.
func ParseETag(etag string) (int, error) {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	etag = strings.Trim(etag, `"`)

	v, err := strconv.Atoi(etag)
	if err != nil {
		return 0, fmt.Errorf("ETag must contain a numeric version: %s", etag)
	}
	if v < 1 {
		return 0, fmt.Errorf("ETag version must be a positive integer: %s", etag)
	}
	return v, nil
}

// FormatETag creates a weak ETag from a version ID.
func FormatETag(versionID int) string {
	return fmt.Sprintf(`W/"%d"`, versionID)
}
