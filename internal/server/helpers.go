package server

import (
	"errors"
	"net/url"
	"strconv"
	"strings"
	"unicode"

	"coldfront/internal/models"
	"coldfront/internal/repository"

	"github.com/gofiber/fiber/v2"
)

// errResponseWritten is a sentinel indicating the HTTP response was already
// committed by a helper.  Handlers must return nil (not this error) to avoid
// Fiber's ErrorHandler overwriting the response.
var errResponseWritten = errors.New("response already written")

// respondError writes err with the status its AppError code maps to.
func respondError(c *fiber.Ctx, err error) error {
	return models.RespondWithError(c, models.StatusForError(err), err)
}

func badRequest(c *fiber.Ctx, msg string) error {
	return models.RespondWithError(c, fiber.StatusBadRequest, models.NewValidationError(msg))
}

// parseID extracts a route parameter by name as a positive uint.
// On failure it writes a 400 JSON response and returns errResponseWritten.
// Callers should check: if err != nil { return nil }
// The error message is derived from the parameter name (e.g. "id" -> "Invalid ID",
// "userId" -> "Invalid user ID").
func (s *Server) parseID(c *fiber.Ctx, param string) (uint, error) {
	id, err := c.ParamsInt(param)
	if err != nil || id <= 0 {
		_ = badRequest(c, "Invalid "+humanizeParam(param))
		return 0, errResponseWritten
	}
	return uint(id), nil
}

// parseBody decodes the request body into out, writing a 400 on failure.
func parseBody(c *fiber.Ctx, out any) error {
	if err := c.BodyParser(out); err != nil {
		_ = badRequest(c, "Invalid request body")
		return errResponseWritten
	}
	return nil
}

// humanizeParam converts a route param name into a human-readable label.
// Examples: "id" -> "ID", "userId" -> "user ID", "allocationId" -> "allocation ID".
func humanizeParam(param string) string {
	if param == "id" {
		return "ID"
	}
	if strings.HasSuffix(param, "Id") {
		prefix := param[:len(param)-2]
		words := splitCamel(prefix)
		return strings.ToLower(strings.Join(words, " ")) + " ID"
	}
	return param
}

// splitCamel splits a camelCase string into words.
func splitCamel(s string) []string {
	var words []string
	start := 0
	for i, r := range s {
		if i > 0 && unicode.IsUpper(r) {
			words = append(words, s[start:i])
			start = i
		}
	}
	words = append(words, s[start:])
	return words
}

// parseListParams reads page, page_size and ordering from the query string.
func parseListParams(c *fiber.Ctx) repository.ListParams {
	params := repository.ListParams{
		Page:      c.QueryInt("page", 1),
		PageSize:  c.QueryInt("page_size", repository.DefaultPageSize),
		OrderBy:   c.Query("order_by"),
		Direction: c.Query("direction"),
	}
	return params.Normalize()
}

// queryList collects a filter that may repeat (?status=a&status=b) or be
// comma separated (?status=a,b).
func queryList(c *fiber.Ctx, key string) []string {
	var out []string
	for _, raw := range c.Context().QueryArgs().PeekMulti(key) {
		for _, v := range strings.Split(string(raw), ",") {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}

// parseRequestFilter builds a listing filter from the query string.
func parseRequestFilter(c *fiber.Ctx) repository.RequestFilter {
	return repository.RequestFilter{
		ListParams: parseListParams(c),
		Statuses:   queryList(c, "status"),
		Reasons:    queryList(c, "reason"),
	}
}

// ListResponse is the paginated envelope returned by every listing.
type ListResponse[T any] struct {
	Count    int64   `json:"count"`
	Next     *string `json:"next"`
	Previous *string `json:"previous"`
	Results  []T     `json:"results"`
}

func pageURL(c *fiber.Ctx, page, pageSize int) *string {
	u, err := url.Parse(c.BaseURL() + c.OriginalURL())
	if err != nil {
		return nil
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))
	u.RawQuery = q.Encode()
	s := u.String()
	return &s
}

// newListResponse wraps a page, converting each row with conv.
func newListResponse[T, R any](c *fiber.Ctx, page *repository.Page[T], conv func(*T) R) ListResponse[R] {
	results := make([]R, 0, len(page.Results))
	for i := range page.Results {
		results = append(results, conv(&page.Results[i]))
	}
	resp := ListResponse[R]{Count: page.Count, Results: results}
	if page.HasNext() {
		resp.Next = pageURL(c, page.Params.Page+1, page.Params.PageSize)
	}
	if page.HasPrevious() {
		resp.Previous = pageURL(c, page.Params.Page-1, page.Params.PageSize)
	}
	return resp
}

func identity[T any](v *T) T { return *v }

// respondPage writes a page of rows without conversion.
func respondPage[T any](c *fiber.Ctx, page *repository.Page[T], err error) error {
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(newListResponse(c, page, identity[T]))
}

// reviewStep parses the id parameter and, when body is non-nil, the request
// body, then answers with the request fn returns.
func reviewStep[T any](s *Server, c *fiber.Ctx, body any, fn func(id uint) (*T, error)) error {
	id, err := s.parseID(c, "id")
	if err != nil {
		return nil
	}
	if body != nil {
		if err := parseBody(c, body); err != nil {
			return nil
		}
	}
	req, err := fn(id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(req)
}
