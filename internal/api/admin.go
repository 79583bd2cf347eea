package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/telemyapp/aegis-play/internal/apperr"
	"github.com/telemyapp/aegis-play/internal/httpx"
	"github.com/telemyapp/aegis-play/internal/model"
)

type vmCreateRequest struct {
	TemplateID string `json:"templateId"`
	Region     string `json:"region"`
}

type vmReasonRequest struct {
	Reason string `json:"reason"`
}

type pinRequest struct {
	PIN string `json:"pin"`
}

type vmResponse struct {
	ID              string `json:"vmId"`
	TemplateID      string `json:"templateId"`
	Region          string `json:"region"`
	Status          string `json:"status"`
	CurrentSessions int    `json:"currentSessions"`
	MaxSessions     int    `json:"maxSessions"`
	InstanceID      string `json:"instanceId,omitempty"`
	HostAddress     string `json:"hostAddress,omitempty"`
	LastError       string `json:"lastError,omitempty"`
	UpdatedAt       string `json:"updatedAt"`
}

func toVMResponse(vm model.VirtualMachine) vmResponse {
	return vmResponse{
		ID:              vm.ID,
		TemplateID:      vm.TemplateID,
		Region:          vm.Region,
		Status:          string(vm.Status),
		CurrentSessions: vm.CurrentSessions,
		MaxSessions:     vm.MaxSessions,
		InstanceID:      vm.InstanceID,
		HostAddress:     vm.Host.Address,
		LastError:       vm.LastError,
		UpdatedAt:       vm.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

type pairingResponse struct {
	VMID   string `json:"vmId"`
	Phase  string `json:"phase"`
	Paired bool   `json:"paired"`
}

func toPairingResponse(st model.PairingState) pairingResponse {
	phase := st.Phase
	if phase == "" {
		phase = model.PairingUnpaired
	}
	return pairingResponse{VMID: st.VMID, Phase: string(phase), Paired: st.Paired}
}

func (s *Server) handleVMCreate(w http.ResponseWriter, r *http.Request) {
	var req vmCreateRequest
	if err := httpx.DecodeJSON(r, &req, false); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	vm, err := s.deps.Launcher.Launch(s.deps.BaseContext, req.TemplateID, req.Region)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	s.log.Info().Str("event", "vm_created").Str("request_id", requestID(r)).Str("vm_id", vm.ID).
		Str("template_id", vm.TemplateID).Str("region", vm.Region).Send()
	httpx.WriteJSON(w, http.StatusAccepted, map[string]any{"vm": toVMResponse(vm)})
}

func (s *Server) handleVMList(w http.ResponseWriter, r *http.Request) {
	vms := s.deps.VMs.List(r.URL.Query().Get("region"))
	out := make([]vmResponse, 0, len(vms))
	for _, vm := range vms {
		out = append(out, toVMResponse(vm))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"vms": out})
}

func (s *Server) handleVMGet(w http.ResponseWriter, r *http.Request) {
	vm, err := s.deps.VMs.Get(chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"vm": toVMResponse(vm)})
}

func (s *Server) handleVMError(w http.ResponseWriter, r *http.Request) {
	var req vmReasonRequest
	if err := httpx.DecodeJSON(r, &req, true); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	if req.Reason == "" {
		req.Reason = "marked by operator"
	}
	s.vmAction(w, r, func(id string) error { return s.deps.VMs.MarkError(id, req.Reason) })
}

func (s *Server) handleVMDrain(w http.ResponseWriter, r *http.Request) {
	s.vmAction(w, r, s.deps.VMs.Drain)
}

func (s *Server) handleVMTerminate(w http.ResponseWriter, r *http.Request) {
	var req vmReasonRequest
	if err := httpx.DecodeJSON(r, &req, true); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	if req.Reason == "" {
		req.Reason = "terminated by operator"
	}
	s.vmAction(w, r, func(id string) error { return s.deps.VMs.Terminate(id, req.Reason) })
}

func (s *Server) vmAction(w http.ResponseWriter, r *http.Request, fn func(id string) error) {
	id := chi.URLParam(r, "id")
	if err := fn(id); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	vm, err := s.deps.VMs.Get(id)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"vm": toVMResponse(vm)})
}

func (s *Server) handlePairState(w http.ResponseWriter, r *http.Request) {
	vm, err := s.deps.VMs.Get(chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	st := s.deps.Pairing.State(vm.ID)
	st.VMID = vm.ID
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"pairing": toPairingResponse(st)})
}

// handlePairRequest starts a pairing attempt. A host that wants a PIN leaves
// the VM pin-requested until the operator posts pair/pin.
func (s *Server) handlePairRequest(w http.ResponseWriter, r *http.Request) {
	vm, err := s.pairableVM(r)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	st, err := s.deps.Pairing.Request(r.Context(), vm)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"pairing": toPairingResponse(st)})
}

func (s *Server) handlePairPIN(w http.ResponseWriter, r *http.Request) {
	var req pinRequest
	if err := httpx.DecodeJSON(r, &req, false); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	vm, err := s.pairableVM(r)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	st, err := s.deps.Pairing.SubmitPIN(r.Context(), vm, req.PIN)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	s.log.Info().Str("event", "pin_submitted").Str("request_id", requestID(r)).Str("vm_id", vm.ID).Send()
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"pairing": toPairingResponse(st)})
}

func (s *Server) pairableVM(r *http.Request) (model.VirtualMachine, error) {
	vm, err := s.deps.VMs.Get(chi.URLParam(r, "id"))
	if err != nil {
		return model.VirtualMachine{}, err
	}
	if vm.Host.Address == "" {
		return model.VirtualMachine{}, apperr.New(apperr.KindConflict, "vm has no host yet")
	}
	return vm, nil
}

func requestID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}
