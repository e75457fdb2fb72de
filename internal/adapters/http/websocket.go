package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"

	"github.com/samirrijal/pulsemap/internal/core/domain"
	"github.com/samirrijal/pulsemap/internal/core/ports"
	"github.com/samirrijal/pulsemap/internal/core/usecases"
	"github.com/samirrijal/pulsemap/internal/pkg/metrics"
)

// wsCommand is sent from the client to drive its session.
type wsCommand struct {
	Action string `json:"action"` // "locate" | "set_params" | "typing" | "refresh"

	// locate
	Lat *float64 `json:"lat,omitempty"`
	Lon *float64 `json:"lon,omitempty"`

	// set_params — nil fields are left untouched
	RadiusMiles      *float64 `json:"radius_miles,omitempty"`
	TravelMode       *bool    `json:"travel_mode,omitempty"`
	OnlineOnly       *bool    `json:"online_only,omitempty"`
	SeekingNowOnly   *bool    `json:"seeking_now_only,omitempty"`
	HostFriendlyOnly *bool    `json:"host_friendly_only,omitempty"`
	ClusterRadiusPx  *int     `json:"cluster_radius_px,omitempty"`

	// typing
	ToID string `json:"to_id,omitempty"`
}

// wsFrame is a server-to-client message. Marker frames carry the rendering
// commands the client's map surface replays; resolution frames carry result
// metadata.
type wsFrame struct {
	Type        string                `json:"type"`
	ID          string                `json:"id,omitempty"`
	Lat         *float64              `json:"lat,omitempty"`
	Lon         *float64              `json:"lon,omitempty"`
	Content     *domain.MarkerContent `json:"content,omitempty"`
	Seq         uint64                `json:"seq,omitempty"`
	NearbyCount int                   `json:"nearby_count,omitempty"`
	Source      string                `json:"source,omitempty"`
	Message     string                `json:"message,omitempty"`
}

// wsRenderer implements ports.MarkerRenderer by streaming marker commands
// over the socket. The profile id doubles as the marker handle: the client
// keys its visual objects by it.
type wsRenderer struct {
	write func(v interface{}) error
}

func (r *wsRenderer) CreateMarker(id string, at domain.GeoPoint, content domain.MarkerContent) (ports.MarkerHandle, error) {
	c := content
	if err := r.write(wsFrame{Type: "marker_create", ID: id, Lat: &at.Lat, Lon: &at.Lon, Content: &c}); err != nil {
		return nil, err
	}
	return id, nil
}

func (r *wsRenderer) UpdateMarker(handle ports.MarkerHandle, content domain.MarkerContent) error {
	id, _ := handle.(string)
	c := content
	return r.write(wsFrame{Type: "marker_update", ID: id, Content: &c})
}

func (r *wsRenderer) DestroyMarker(handle ports.MarkerHandle) error {
	id, _ := handle.(string)
	return r.write(wsFrame{Type: "marker_destroy", ID: id})
}

func (r *wsRenderer) FlyTo(at domain.GeoPoint) error {
	return r.write(wsFrame{Type: "fly_to", Lat: &at.Lat, Lon: &at.Lon})
}

// WebSocketHandler runs one discovery session per connection: parameter
// changes and location fixes trigger resolutions, and the resulting marker
// diffs stream back as rendering commands.
func WebSocketHandler(deps *Dependencies) func(*websocket.Conn) {
	return func(c *websocket.Conn) {
		defer c.Close()

		viewerID := c.Query("viewer_id")
		if viewerID == "" {
			_ = c.WriteJSON(wsFrame{Type: "error", Message: "viewer_id query parameter is required"})
			return
		}

		logger := slog.With("viewer_id", viewerID, "remote", c.RemoteAddr().String())
		logger.Info("ws session connected")
		metrics.ActiveWebSockets.Inc()
		defer metrics.ActiveWebSockets.Dec()

		var mu sync.Mutex
		writeJSON := func(v interface{}) error {
			data, err := json.Marshal(v)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			return c.WriteMessage(websocket.TextMessage, data)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// One shared broker connection per process; Connect is idempotent so
		// every session may call it.
		if deps.Broker != nil {
			if err := deps.Broker.Connect(ctx, viewerID); err != nil {
				logger.Warn("broker connect failed, session runs without live updates", "error", err)
			}
		}

		params := usecases.NewParamStore(domain.DefaultSessionParams(), deps.Discovery.Debounce())
		markers := usecases.NewMarkerManager(&wsRenderer{write: writeJSON})
		session := usecases.NewResolverSession(viewerID, deps.Resolver, markers, params, deps.Broker)

		session.OnApplied(func(res *domain.ResolutionResult) {
			_ = writeJSON(wsFrame{
				Type:        "resolution",
				Seq:         res.Seq,
				NearbyCount: res.NearbyCount,
				Source:      string(res.Source),
			})
		})
		session.OnError(func(err error) {
			_ = writeJSON(wsFrame{Type: "error", Message: "could not load nearby profiles"})
		})

		session.Start(ctx)
		defer session.Close()

		// Initial fix may ride along on the query string.
		if latStr, lonStr := c.Query("lat"), c.Query("lon"); latStr != "" && lonStr != "" {
			lat, errLat := strconv.ParseFloat(latStr, 64)
			lon, errLon := strconv.ParseFloat(lonStr, 64)
			if errLat == nil && errLon == nil && lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180 {
				session.SetOrigin(ctx, domain.GeoPoint{Lat: lat, Lon: lon})
			}
		}

		// Keep-alive ping
		done := make(chan struct{})
		go func() {
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					mu.Lock()
					err := c.WriteMessage(websocket.PingMessage, nil)
					mu.Unlock()
					if err != nil {
						return
					}
				case <-done:
					return
				}
			}
		}()

		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				break
			}

			var cmd wsCommand
			if err := json.Unmarshal(msg, &cmd); err != nil {
				_ = writeJSON(wsFrame{Type: "error", Message: "invalid JSON"})
				continue
			}

			switch cmd.Action {
			case "locate":
				if cmd.Lat == nil || cmd.Lon == nil {
					_ = writeJSON(wsFrame{Type: "error", Message: "locate needs lat and lon"})
					continue
				}
				if *cmd.Lat < -90 || *cmd.Lat > 90 || *cmd.Lon < -180 || *cmd.Lon > 180 {
					_ = writeJSON(wsFrame{Type: "error", Message: "coordinates out of range"})
					continue
				}
				session.SetOrigin(ctx, domain.GeoPoint{Lat: *cmd.Lat, Lon: *cmd.Lon})

			case "set_params":
				params.Set(usecases.ParamPartial{
					RadiusMiles:      cmd.RadiusMiles,
					TravelMode:       cmd.TravelMode,
					OnlineOnly:       cmd.OnlineOnly,
					SeekingNowOnly:   cmd.SeekingNowOnly,
					HostFriendlyOnly: cmd.HostFriendlyOnly,
					ClusterRadiusPx:  cmd.ClusterRadiusPx,
				})

			case "typing":
				if cmd.ToID == "" {
					_ = writeJSON(wsFrame{Type: "error", Message: "typing needs to_id"})
					continue
				}
				if deps.Broker != nil {
					_ = deps.Broker.Broadcast(domain.EventTyping, domain.TypingHint{
						FromID: viewerID,
						ToID:   cmd.ToID,
						At:     time.Now(),
					})
				}

			case "refresh":
				session.Refresh(ctx)

			default:
				_ = writeJSON(wsFrame{Type: "error", Message: "unknown action: " + cmd.Action})
			}
		}

		close(done)
		logger.Info("ws session disconnected")
	}
}
