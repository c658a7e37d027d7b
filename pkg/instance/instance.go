package instance

import "github.com/angelmondragon/packfinderz-cartsync/pkg/env"

// GetID identifies this process in logs: the platform dyno name when present,
// then CARTSYNC_INSTANCE_ID, else "local".
func GetID() string {
	if id := env.Get("DYNO", ""); id != "" {
		return id
	}
	return env.Get("CARTSYNC_INSTANCE_ID", "local")
}
