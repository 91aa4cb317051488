package defs

import "time"

// APIMount is a mount returned by the API.
type APIMount struct {
	Path         string     `json:"path"`
	Launch       string     `json:"launch"`
	Shared       bool       `json:"shared"`
	MaxClients   int        `json:"maxClients"`
	Ready        bool       `json:"ready"`
	SessionCount int        `json:"sessionCount"`
	ReadyTime    *time.Time `json:"readyTime"`
}

// APIMountList is a list of mounts returned by the API.
type APIMountList struct {
	ItemCount int         `json:"itemCount"`
	Items     []*APIMount `json:"items"`
}

// APISession is a session returned by the API.
type APISession struct {
	ID           string    `json:"id"`
	Mount        string    `json:"mount"`
	State        string    `json:"state"`
	Created      time.Time `json:"created"`
	LastActivity time.Time `json:"lastActivity"`
}

// APISessionList is a list of sessions returned by the API.
type APISessionList struct {
	ItemCount int           `json:"itemCount"`
	Items     []*APISession `json:"items"`
}
