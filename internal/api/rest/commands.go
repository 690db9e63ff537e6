package rest

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/KevinKickass/ElectrometerCSC/internal/bus"
	"github.com/KevinKickass/ElectrometerCSC/internal/types"
	"github.com/gin-gonic/gin"
)

// StatusForCode maps a bus error code to an HTTP status.
func StatusForCode(code string) int {
	switch code {
	case "":
		return http.StatusOK
	case types.CodeInvalidArgument:
		return http.StatusBadRequest
	case types.CodeInvalidSubstate, types.CodeInvalidSummaryState:
		return http.StatusConflict
	case types.CodeTransportTimeout:
		return http.StatusGatewayTimeout
	case types.CodeTransportClosed, types.CodeNotConnected:
		return http.StatusServiceUnavailable
	case types.CodeConfigurationInvalid:
		return http.StatusUnprocessableEntity
	case types.CodePartialScan:
		return http.StatusPartialContent
	case types.CodeNotImplemented:
		return http.StatusNotFound
	case types.CodeDeviceError:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// GET /api/v1/commands
func (s *Server) listCommands(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"commands": bus.Commands})
}

// POST /api/v1/commands/:name
func (s *Server) executeCommand(c *gin.Context) {
	name := c.Param("name")
	if !slices.Contains(bus.Commands, name) {
		c.JSON(http.StatusNotFound, types.NewErrorResponse(types.CodeNotImplemented, "unknown command", name))
		return
	}

	params := map[string]any{}
	dec := json.NewDecoder(c.Request.Body)
	dec.UseNumber()
	if err := dec.Decode(&params); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeInvalidArgument, "invalid request body", err.Error()))
		return
	}

	ack := s.backend.Dispatch(c.Request.Context(), name, params)
	c.JSON(StatusForCode(ack.ErrorCode), ack)
}

// GET /api/v1/state
func (s *Server) getState(c *gin.Context) {
	c.JSON(http.StatusOK, s.backend.Status())
}

// GET /fits/:file serves the artifacts announced by largeFileObjectAvailable.
func (s *Server) downloadArtifact(c *gin.Context) {
	name := c.Param("file")
	if name != filepath.Base(name) || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".fits" {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeInvalidArgument, "invalid artifact name", name))
		return
	}

	w := s.backend.Writer()
	if w == nil {
		c.JSON(http.StatusNotFound, types.NewErrorResponse("NOT_FOUND", "no artifacts available", nil))
		return
	}

	path := filepath.Join(w.Dir(), name)
	if _, err := os.Stat(path); err != nil {
		c.JSON(http.StatusNotFound, types.NewErrorResponse("NOT_FOUND", "artifact not found", name))
		return
	}

	c.Header("Content-Type", "application/fits")
	c.FileAttachment(path, name)
}
