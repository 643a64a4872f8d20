package presigned

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"github.com/tendant/simple-media/pkg/simplemedia"
)

type contextKey string

// ParamsContextKey is the context key for the verified capability
const ParamsContextKey contextKey = "presigned:params"

// PurposeFunc names the purpose a request must be authorized for.
type PurposeFunc func(r *http.Request) string

// RequireSignature returns chi middleware that rejects requests whose
// capability does not authorize purpose(r) on the asset named by the
// {idParam} route parameter. Only the route and query are consulted.
//
// Example:
//
//	r.With(presigned.RequireSignature(signer, "id", func(r *http.Request) string {
//	    return presigned.ThumbPurpose(chi.URLParam(r, "variant"))
//	})).Get("/assets/{id}/thumbs/{variant}", h.GetThumbnail)
func RequireSignature(s *Signer, idParam string, purpose PurposeFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := uuid.Parse(chi.URLParam(r, idParam))
			if err != nil {
				writeDenied(w, r, http.StatusNotFound, simplemedia.CodeNotFound, "asset not found")
				return
			}
			params, err := ParseParams(r.URL.Query())
			if err == nil {
				err = s.Verify(purpose(r), params, &simplemedia.Asset{ID: id})
			}
			if err != nil {
				s.logger.Debug("capability rejected", "asset_id", id, "error", err)
				writeDenied(w, r, http.StatusForbidden, simplemedia.CodeOf(err), "access denied")
				return
			}
			ctx := context.WithValue(r.Context(), ParamsContextKey, params)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ParamsFromContext returns the capability verified by RequireSignature.
func ParamsFromContext(ctx context.Context) (Params, bool) {
	p, ok := ctx.Value(ParamsContextKey).(Params)
	return p, ok
}

func writeDenied(w http.ResponseWriter, r *http.Request, status int, code simplemedia.Code, message string) {
	render.Status(r, status)
	render.JSON(w, r, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}
