package logger

import (
	"sync"
	"time"
)

// VenueError is the most recent warning or error observed for a venue.
type VenueError struct {
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

var (
	venueErrMu sync.RWMutex
	venueErrs  = make(map[string]VenueError)
)

func recordVenueError(venue, message string) {
	venueErrMu.Lock()
	venueErrs[venue] = VenueError{Message: message, Time: time.Now().UTC()}
	venueErrMu.Unlock()
}

// VenueErrors returns a copy of the last recorded error per venue.
func VenueErrors() map[string]VenueError {
	venueErrMu.RLock()
	defer venueErrMu.RUnlock()
	out := make(map[string]VenueError, len(venueErrs))
	for k, v := range venueErrs {
		out[k] = v
	}
	return out
}
