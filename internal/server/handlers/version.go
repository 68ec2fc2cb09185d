package handlers

import (
	"net/http"
	"runtime"
	"sync"

	"github.com/fulmenhq/gofulmen/crucible"

	apperrors "github.com/3leaps/jobvault/internal/errors"
)

// VersionResponse is the body of GET /version.
type VersionResponse struct {
	Version         string `json:"version"`
	Commit          string `json:"commit"`
	BuildDate       string `json:"build_date"`
	GoVersion       string `json:"go_version"`
	CrucibleVersion string `json:"crucible_version,omitempty"`
	GofulmenVersion string `json:"gofulmen_version,omitempty"`
}

var (
	versionMu   sync.RWMutex
	versionInfo = VersionResponse{Version: "dev", Commit: "unknown", BuildDate: "unknown"}
)

// SetVersionInfo records the build identity served by VersionHandler.
func SetVersionInfo(version, commit, buildDate string) {
	versionMu.Lock()
	defer versionMu.Unlock()
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// VersionHandler serves build and library versions.
func VersionHandler(w http.ResponseWriter, r *http.Request) {
	versionMu.RLock()
	resp := versionInfo
	versionMu.RUnlock()

	v := crucible.GetVersion()
	resp.GoVersion = runtime.Version()
	resp.CrucibleVersion = v.Crucible
	resp.GofulmenVersion = v.Gofulmen
	apperrors.WriteJSON(w, http.StatusOK, resp)
}
