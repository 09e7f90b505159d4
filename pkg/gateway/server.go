// Package gateway exposes the server to observers: a JSON HTTP API for
// device management and a websocket channel for live observation.
package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/alessio-palumbo/fieldnode-go/pkg/auth"
	"github.com/alessio-palumbo/fieldnode-go/pkg/controller"
	"github.com/alessio-palumbo/fieldnode-go/pkg/device"
	"github.com/alessio-palumbo/fieldnode-go/pkg/storage"
	"github.com/alessio-palumbo/fieldnode-go/pkg/store"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Gateway translates between the external surfaces and the controller,
// store and metadata contracts.
type Gateway struct {
	ctrl     *controller.Controller
	st       *store.Store
	meta     storage.Store
	authn    *auth.Authenticator
	upgrader websocket.Upgrader
}

// New returns a Gateway over the given collaborators.
func New(ctrl *controller.Controller, st *store.Store, meta storage.Store, authn *auth.Authenticator) *Gateway {
	return &Gateway{
		ctrl:  ctrl,
		st:    st,
		meta:  meta,
		authn: authn,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The observer channel is same-origin in production and
			// cross-origin on dev setups; tokens gate access, not origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Router builds the HTTP surface.
func (g *Gateway) Router() *httprouter.Router {
	router := httprouter.New()

	router.GET("/api/devices", g.listDevices)
	router.GET("/api/discovered", g.listDiscovered)
	router.POST("/api/devices", g.createDevice)
	router.PATCH("/api/devices/:id", g.updateDevice)
	router.DELETE("/api/devices/:id", g.deleteDevice)
	router.PUT("/api/devices/:id/permissions", g.setPermission)
	router.GET("/api/devices/:id/users", g.listUsers)

	router.POST("/api/register", g.register)
	router.POST("/api/login", g.login)

	router.Handler(http.MethodGet, "/metrics", promhttp.Handler())
	router.HandlerFunc(http.MethodGet, "/ws", g.handleObserver)

	return router
}

// deviceView is the API representation of a device: the live supervisor
// record merged with registered metadata.
type deviceView struct {
	device.Device
	Name            string `json:"name,omitempty"`
	MaintenanceMode bool   `json:"maintenance_mode,omitempty"`
	OwnerID         string `json:"owner_id,omitempty"`
}

func (g *Gateway) listDevices(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	devices := g.ctrl.Devices()
	views := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		v := deviceView{Device: d}
		if meta, ok := g.meta.GetDevice(d.ID); ok {
			v.Name = meta.Name
			v.MaintenanceMode = meta.MaintenanceMode
			v.OwnerID = meta.OwnerID
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": views, "count": len(views)})
}

// listDiscovered returns supervised devices that have not been registered.
func (g *Gateway) listDiscovered(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	devices := g.ctrl.Devices()
	views := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		if _, ok := g.meta.GetDevice(d.ID); ok {
			continue
		}
		views = append(views, deviceView{Device: d})
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": views, "count": len(views)})
}

func (g *Gateway) createDevice(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	claims := g.requireAuth(w, r)
	if claims == nil {
		return
	}

	var req struct {
		Name string `json:"name"`
		MAC  string `json:"mac"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" || req.MAC == "" {
		writeError(w, http.StatusBadRequest, "name and mac are required")
		return
	}

	id := device.IDFromMAC(req.MAC)
	meta := storage.DeviceMeta{
		ID:      id,
		Name:    req.Name,
		MAC:     req.MAC,
		OwnerID: claims.UserID,
		Permissions: map[string]string{
			claims.UserID: string(auth.PermOwner),
		},
	}
	if err := g.meta.CreateDevice(meta); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			writeError(w, http.StatusConflict, "device already registered")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, meta)
}

func (g *Gateway) updateDevice(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	claims := g.requireAuth(w, r)
	if claims == nil {
		return
	}
	id := device.ID(ps.ByName("id"))
	if !claims.Can(id, auth.PermManage) {
		writeError(w, http.StatusForbidden, "manage permission required")
		return
	}

	var req struct {
		Name            *string `json:"name"`
		MaintenanceMode *bool   `json:"maintenance_mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	meta, ok := g.meta.UpdateDevice(id, req.Name, req.MaintenanceMode)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown device")
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (g *Gateway) deleteDevice(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	claims := g.requireAuth(w, r)
	if claims == nil {
		return
	}
	id := device.ID(ps.ByName("id"))
	if !claims.Can(id, auth.PermOwner) {
		writeError(w, http.StatusForbidden, "owner permission required")
		return
	}
	if !g.meta.DeleteDevice(id) {
		writeError(w, http.StatusNotFound, "unknown device")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) setPermission(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	claims := g.requireAuth(w, r)
	if claims == nil {
		return
	}
	id := device.ID(ps.ByName("id"))
	if !claims.Can(id, auth.PermOwner) {
		writeError(w, http.StatusForbidden, "owner permission required")
		return
	}

	var req struct {
		UserID     string `json:"user_id"`
		Permission string `json:"permission"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id and permission are required")
		return
	}
	switch auth.Permission(req.Permission) {
	case auth.PermOwner, auth.PermManage, auth.PermWrite, auth.PermRead, auth.PermView:
	default:
		writeError(w, http.StatusBadRequest, "unknown permission")
		return
	}

	if !g.meta.SetPermission(id, req.UserID, req.Permission) {
		writeError(w, http.StatusNotFound, "unknown device")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) listUsers(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := device.ID(ps.ByName("id"))
	users := g.st.Users(id, func(userID string) (string, bool) {
		u, ok := g.meta.GetUserByID(userID)
		return u.DisplayName, ok
	})
	writeJSON(w, http.StatusOK, map[string]any{"users": users, "count": len(users)})
}

func (g *Gateway) register(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		Email       string `json:"email"`
		DisplayName string `json:"display_name"`
		Password    string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not hash password")
		return
	}

	user := storage.User{
		ID:           uuid.NewString(),
		Email:        req.Email,
		DisplayName:  req.DisplayName,
		PasswordHash: hash,
	}
	if user.DisplayName == "" {
		user.DisplayName = req.Email
	}
	if err := g.meta.CreateUser(user); err != nil {
		writeError(w, http.StatusConflict, "email already registered")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "email": user.Email})
}

func (g *Gateway) login(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	user, ok := g.meta.GetUserByEmail(req.Email)
	if !ok || !auth.CheckPassword(user.PasswordHash, req.Password) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := g.authn.CreateToken(user.ID, user.Email, user.DisplayName, g.meta.PermissionsFor(user.ID))
	if err != nil {
		log.WithError(err).Error("Token signing failed")
		writeError(w, http.StatusInternalServerError, "could not issue token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "token": token})
}

// requireAuth extracts and validates the bearer token, writing a 401 on
// failure.
func (g *Gateway) requireAuth(w http.ResponseWriter, r *http.Request) *auth.Claims {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		writeError(w, http.StatusUnauthorized, "bearer token required")
		return nil
	}
	claims, err := g.authn.ValidateToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid bearer token")
		return nil
	}
	return claims
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Debug("Response encode failed")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
