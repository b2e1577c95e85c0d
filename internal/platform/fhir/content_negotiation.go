package fhir

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// FHIRContentType is the FHIR JSON content type with charset.
const FHIRContentType = "application/fhir+json; charset=utf-8"

// ContentNegotiationMiddleware checks the _format query parameter first, then
// the Accept header. Responses are always application/fhir+json; XML and
// unknown formats get 406.
func ContentNegotiationMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if format := c.QueryParam("_format"); format != "" {
				enc, ok := EncodingForContentType(format)
				switch {
				case ok && enc == EncodingJSON:
					c.Response().Header().Set(echo.HeaderContentType, FHIRContentType)
					return next(c)
				case ok && enc == EncodingXML:
					return c.JSON(http.StatusNotAcceptable, ErrorOutcome("XML format is not supported. Use application/fhir+json."))
				default:
					return c.JSON(http.StatusNotAcceptable, ErrorOutcome("Unsupported _format value: "+format))
				}
			}

			if accept := c.Request().Header.Get("Accept"); accept != "" && !acceptsJSON(accept) {
				return c.JSON(http.StatusNotAcceptable, ErrorOutcome("Accept header does not include a supported FHIR content type. Use application/fhir+json."))
			}

			c.Response().Header().Set(echo.HeaderContentType, FHIRContentType)
			return next(c)
		}
	}
}

// acceptsJSON reports whether any media range in an Accept header is JSON
// compatible. Quality parameters are ignored.
func acceptsJSON(accept string) bool {
	for _, part := range strings.Split(accept, ",") {
		if strings.TrimSpace(part) == "*/*" || strings.HasPrefix(strings.TrimSpace(part), "*/*;") {
			return true
		}
		if enc, ok := EncodingForContentType(part); ok && enc == EncodingJSON {
			return true
		}
	}
	return false
}
