package controllers

import (
	"net/http"

	"github.com/angelmondragon/packfinderz-cartsync/api/responses"
	"github.com/angelmondragon/packfinderz-cartsync/api/validators"
	"github.com/angelmondragon/packfinderz-cartsync/pkg/logger"
)

type signInRequest struct {
	Token string `json:"token" validate:"required"`
}

// SessionSignIn authenticates the session and merges the guest cart.
func SessionSignIn(eng CartEngine, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload signInRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		res, err := eng.SignIn(r.Context(), payload.Token)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{
			"mergedLines":   res.GuestLines,
			"alreadyMerged": res.Skipped,
			"cart":          eng.View(),
		})
	}
}

// SessionSignOut flushes what it can and returns to an empty guest cart.
func SessionSignOut(eng CartEngine, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := eng.SignOut(r.Context()); err != nil {
			logg.Warn(logg.WithField(r.Context(), "error", err.Error()), "session.sign_out.partial")
		}
		responses.WriteSuccess(w, eng.View())
	}
}
