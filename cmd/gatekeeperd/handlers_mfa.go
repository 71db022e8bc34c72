package main

import (
	"net/http"

	"github.com/MrEthical07/gatekeeper"
	"github.com/MrEthical07/gatekeeper/middleware"
)

type mfaCodeRequest struct {
	Code string `json:"code"`
}

type backupCodesResponse struct {
	BackupCodes []string `json:"backup_codes"`
}

func (a *api) beginMFASetup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountName string `json:"account_name"`
	}
	// The body is optional here.
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			middleware.WriteError(w, err)
			return
		}
	}

	setup, err := a.engine.BeginMFASetup(r.Context(), authResult(r).UserID, req.AccountName)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"secret":           setup.Secret,
		"provisioning_uri": setup.ProvisioningURI,
	})
}

func (a *api) completeMFASetup(w http.ResponseWriter, r *http.Request) {
	var req mfaCodeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, err)
		return
	}
	codes, err := a.engine.CompleteMFASetup(r.Context(), authResult(r).UserID, req.Code)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, backupCodesResponse{BackupCodes: codes})
}

func (a *api) verifyMFA(w http.ResponseWriter, r *http.Request) {
	var req mfaCodeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, err)
		return
	}
	res, err := a.engine.VerifyMFA(r.Context(), authResult(r).UserID, req.Code)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"method":           res.Method,
		"backup_remaining": res.BackupRemaining,
	})
}

func (a *api) disableMFA(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, err)
		return
	}
	if err := a.engine.DisableMFA(r.Context(), authResult(r).UserID, req.Password); err != nil {
		middleware.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) regenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	var req mfaCodeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, err)
		return
	}
	codes, err := a.engine.RegenerateBackupCodes(r.Context(), authResult(r).UserID, req.Code)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, backupCodesResponse{BackupCodes: codes})
}

func (a *api) mfaStatus(w http.ResponseWriter, r *http.Request) {
	st, err := a.engine.MFAStatus(r.Context(), authResult(r).UserID)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":            st.State,
		"backup_remaining": st.BackupRemaining,
		"enabled":          st.State == gatekeeper.MFAEnabled,
	})
}
