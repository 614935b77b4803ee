package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/soulripper13/cozylife-local/internal/hub"
	"github.com/soulripper13/cozylife-local/internal/scanner"
	"github.com/soulripper13/cozylife-local/internal/session"
)

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.hub.ListDevices()
	if err != nil {
		s.logger.Error("list devices", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	dev, err := s.hub.GetDevice(id)
	if err != nil {
		if errors.Is(err, hub.ErrUnknownDevice) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
			return
		}
		s.logger.Error("get device", "err", err, "device", id)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, dev)
}

type addDeviceRequest struct {
	IP             string `json:"ip"`
	FriendlyName   string `json:"friendly_name"`
	GangCount      int    `json:"gang_count"`
	SkipValidation bool   `json:"skip_validation"`
	DeviceID       string `json:"device_id"`
	ProductID      string `json:"product_id"`
	DeviceType     string `json:"device_type"`
	DPIDs          []int  `json:"dpids"`
}

func (s *Server) handleAddDevice(w http.ResponseWriter, r *http.Request) {
	var req addDeviceRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.IP == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "ip is required"})
		return
	}

	dev, err := s.hub.AddDevice(r.Context(), req.IP, hub.AddOptions{
		FriendlyName:   req.FriendlyName,
		GangCount:      req.GangCount,
		SkipValidation: req.SkipValidation,
		AssumedIdentity: session.Identity{
			DeviceID:   req.DeviceID,
			ProductID:  req.ProductID,
			DeviceType: req.DeviceType,
		},
		AssumedDPIDs: req.DPIDs,
	})
	if err != nil {
		s.logger.Error("add device", "err", err, "ip", req.IP)
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusCreated, dev)
}

type renameDeviceRequest struct {
	FriendlyName string `json:"friendly_name"`
}

func (s *Server) handleRenameDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req renameDeviceRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	if err := s.hub.RenameDevice(id, req.FriendlyName); err != nil {
		if errors.Is(err, hub.ErrUnknownDevice) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
			return
		}
		s.logger.Error("rename device", "err", err, "device", id)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "friendly_name": req.FriendlyName})
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.hub.RemoveDevice(id); err != nil {
		if errors.Is(err, hub.ErrUnknownDevice) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
			return
		}
		s.logger.Error("delete device", "err", err, "device", id)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type setEntityRequest struct {
	Power      *bool `json:"power,omitempty"`
	Brightness *int  `json:"brightness,omitempty"`
	ColorTemp  *int  `json:"color_temp,omitempty"`
	Hue        *int  `json:"hue,omitempty"`
	Saturation *int  `json:"saturation,omitempty"`
}

func (s *Server) handleSetEntity(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || index < 0 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid entity index"})
		return
	}

	var req setEntityRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	intent := session.Intent{
		Power:      req.Power,
		Brightness: req.Brightness,
		ColorTemp:  req.ColorTemp,
		Hue:        req.Hue,
		Saturation: req.Saturation,
	}

	err = s.hub.Set(r.Context(), id, index, intent)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case errors.Is(err, hub.ErrUnknownDevice):
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
	case errors.Is(err, hub.ErrDeviceOffline):
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "device offline"})
	case errors.Is(err, session.ErrUnsupportedIntent), errors.Is(err, session.ErrNoSuchEntity):
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		s.logger.Error("set entity", "err", err, "device", id, "entity", index)
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
}

func (s *Server) handleRefreshDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess := s.hub.Session(id)
	if sess == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "device offline"})
		return
	}
	if err := sess.Refresh(r.Context()); err != nil {
		s.logger.Error("refresh device", "err", err, "device", id)
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type scanRequest struct {
	Range string `json:"range"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if s.scanner == nil {
		s.writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "scanning not configured"})
		return
	}

	var req scanRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	results, err := s.scanner.Scan(r.Context(), req.Range)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if results == nil {
		results = []scanner.Result{}
	}
	s.writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}
