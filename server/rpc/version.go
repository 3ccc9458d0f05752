package rpc

import (
	"context"

	"connectrpc.com/connect"
)

// VersionInfo holds version information to be returned by the service.
type VersionInfo struct {
	Version      string `json:"version"`
	GitCommit    string `json:"git_commit,omitempty"`
	GitTreeState string `json:"git_tree_state,omitempty"`
	BuildDate    string `json:"build_date,omitempty"`
}

// GetVersionRequest is the empty body of a GetVersion call.
type GetVersionRequest struct{}

// VersionHandler implements the GetVersion procedure.
type VersionHandler struct {
	info VersionInfo
}

// NewVersionHandler creates a new VersionHandler with the provided version info.
func NewVersionHandler(info VersionInfo) *VersionHandler {
	return &VersionHandler{info: info}
}

// GetVersion returns the current server version.
func (h *VersionHandler) GetVersion(
	ctx context.Context,
	req *connect.Request[GetVersionRequest],
) (*connect.Response[VersionInfo], error) {
	info := h.info
	return connect.NewResponse(&info), nil
}
