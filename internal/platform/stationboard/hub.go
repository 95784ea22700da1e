package stationboard

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Update is pushed to websocket clients watching a station.
type Update struct {
	Kind    string    `json:"kind"`
	Station string    `json:"station"`
	VisitID uuid.UUID `json:"visit_id"`
	Status  string    `json:"status"`
	At      time.Time `json:"at"`
}

const (
	UpdateArrived = "arrived"
	UpdateLeft    = "left"
)

// ClientMessage is sent by a websocket client to change its stations.
type ClientMessage struct {
	Action   string   `json:"action"`
	Stations []string `json:"stations"`
}

// Client is one connected station screen.
type Client struct {
	ID       string
	Stations []string
	Send     chan []byte
}

// Hub fans station updates out to the screens watching them.
type Hub struct {
	mu       sync.RWMutex
	stations map[string]map[*Client]struct{}
	all      map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{
		stations: make(map[string]map[*Client]struct{}),
		all:      make(map[*Client]struct{}),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.all[client] = struct{}{}
	h.subscribeLocked(client, client.Stations)
}

// Unregister removes the client and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.all[client]; !ok {
		return
	}
	h.unsubscribeLocked(client, client.Stations)
	delete(h.all, client)
	close(client.Send)
}

func (h *Hub) subscribeLocked(client *Client, stations []string) {
	for _, s := range stations {
		if h.stations[s] == nil {
			h.stations[s] = make(map[*Client]struct{})
		}
		h.stations[s][client] = struct{}{}
	}
}

func (h *Hub) unsubscribeLocked(client *Client, stations []string) {
	for _, s := range stations {
		if subs, ok := h.stations[s]; ok {
			delete(subs, client)
			if len(subs) == 0 {
				delete(h.stations, s)
			}
		}
	}
}

// ProcessMessage applies a subscribe or unsubscribe request. Unknown
// stations are ignored.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	var stations []string
	for _, s := range msg.Stations {
		if ValidStation(s) {
			stations = append(stations, s)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.all[client]; !ok {
		return
	}
	switch msg.Action {
	case "subscribe":
		h.subscribeLocked(client, stations)
		client.Stations = append(client.Stations, stations...)
	case "unsubscribe":
		h.unsubscribeLocked(client, stations)
		drop := make(map[string]bool, len(stations))
		for _, s := range stations {
			drop[s] = true
		}
		kept := client.Stations[:0]
		for _, s := range client.Stations {
			if !drop[s] {
				kept = append(kept, s)
			}
		}
		client.Stations = kept
	}
}

// Broadcast sends u to every client watching u.Station. Slow clients miss
// updates rather than blocking the sender.
func (h *Hub) Broadcast(u Update) {
	data, err := json.Marshal(u)
	if err != nil {
		log.Error().Err(err).Msg("marshal station update")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.stations[u.Station] {
		select {
		case client.Send <- data:
		default:
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) StationCount(station string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.stations[station])
}
