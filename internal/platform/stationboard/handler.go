package stationboard

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/ehr/visitflow/internal/platform/db"
)

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type Handler struct {
	board Board
	hub   *Hub
}

func NewHandler(board Board, hub *Hub) *Handler {
	return &Handler{board: board, hub: hub}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/stations/:station/queue", h.Queue)
	g.GET("/stations/ws", h.Watch)
}

func (h *Handler) Queue(c echo.Context) error {
	station := c.Param("station")
	if !ValidStation(station) {
		return echo.NewHTTPError(http.StatusNotFound, "unknown station")
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	entries, err := h.board.Queue(c.Request().Context(), db.TenantFromContext(c.Request().Context()), station, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"station": station,
		"visits":  entries,
	})
}

// Watch upgrades to a websocket that streams updates for the stations named
// in the "station" query parameters.
func (h *Handler) Watch(c echo.Context) error {
	var stations []string
	for _, s := range c.QueryParams()["station"] {
		if ValidStation(s) {
			stations = append(stations, s)
		}
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &Client{
		ID:       uuid.NewString(),
		Stations: stations,
		Send:     make(chan []byte, 64),
	}
	h.hub.Register(client)

	go writePump(client, ws)
	go h.readPump(client, ws)
	return nil
}

func (h *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		h.hub.Unregister(client)
		ws.Close()
	}()
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		h.hub.ProcessMessage(client, msg)
	}
}

func writePump(client *Client, ws *gorillawebsocket.Conn) {
	defer ws.Close()
	for message := range client.Send {
		if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			return
		}
	}
}
