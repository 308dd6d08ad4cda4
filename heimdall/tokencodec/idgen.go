package tokencodec

import "github.com/google/uuid"

func defaultNewID() string {
	return uuid.NewString()
}
