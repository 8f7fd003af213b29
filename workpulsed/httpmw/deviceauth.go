package httpmw

import (
	"context"
	"crypto/subtle"
	"net/http"

	"golang.org/x/xerrors"

	"github.com/workpulse/workpulse/workpulsed/httpapi"
	"github.com/workpulse/workpulse/workpulsed/store"
	"github.com/workpulse/workpulse/workpulsesdk"
)

type deviceContextKey struct{}

// DeviceResolver turns an agent token into a device record. Device identity
// is owned by an external subsystem; this is its boundary.
type DeviceResolver interface {
	GetDeviceByToken(ctx context.Context, token string) (store.Device, error)
}

// Device returns the authenticated device for the request.
func Device(r *http.Request) store.Device {
	device, ok := r.Context().Value(deviceContextKey{}).(store.Device)
	if !ok {
		panic("developer error: device auth middleware not provided")
	}
	return device
}

// ExtractDevice authenticates the agent token header and attaches the
// resolved device to the request context.
func ExtractDevice(resolver DeviceResolver) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			token := r.Header.Get(workpulsesdk.AgentTokenHeader)
			if token == "" {
				httpapi.Write(ctx, rw, http.StatusUnauthorized, workpulsesdk.Response{
					Message: "Missing agent token.",
				})
				return
			}
			device, err := resolver.GetDeviceByToken(ctx, token)
			if xerrors.Is(err, store.ErrNoRows) {
				httpapi.Write(ctx, rw, http.StatusUnauthorized, workpulsesdk.Response{
					Message: "Invalid agent token.",
				})
				return
			}
			if err != nil {
				httpapi.InternalServerError(ctx, rw, err)
				return
			}
			ctx = context.WithValue(ctx, deviceContextKey{}, device)
			next.ServeHTTP(rw, r.WithContext(ctx))
		})
	}
}

// RequireSweepSecret guards operator endpoints with a shared secret,
// compared in constant time.
func RequireSweepSecret(secret string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			provided := r.Header.Get(workpulsesdk.SweepSecretHeader)
			if secret == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
				httpapi.Forbidden(ctx, rw)
				return
			}
			next.ServeHTTP(rw, r)
		})
	}
}
