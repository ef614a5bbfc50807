package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ChangedFiles handles GET /api/v1/sessions/:id/files: the files the
// session's branch changed relative to its base. Only sessions on local
// project paths are inspectable; remote clones live in per-run scratch
// dirs that are gone once the session finishes.
func (s *Server) ChangedFiles(c *gin.Context) {
	sess, err := s.sessions.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		mapServiceError(c, err)
		return
	}
	if sess.ProjectPath == "" {
		c.JSON(http.StatusConflict, ErrorResponse{Error: "session has no local project path"})
		return
	}
	if sess.BranchName == "" {
		c.JSON(http.StatusConflict, ErrorResponse{Error: "session has no branch yet"})
		return
	}

	changes, err := s.git.BranchChangedFiles(c.Request.Context(), sess.ProjectPath, sess.BranchName, "", false)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, changes)
}

// FileDiff handles GET /api/v1/sessions/:id/diff?path=...: the unified
// diff of one changed file, branch against base.
func (s *Server) FileDiff(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "path query parameter is required"})
		return
	}

	sess, err := s.sessions.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		mapServiceError(c, err)
		return
	}
	if sess.ProjectPath == "" {
		c.JSON(http.StatusConflict, ErrorResponse{Error: "session has no local project path"})
		return
	}
	if sess.BranchName == "" {
		c.JSON(http.StatusConflict, ErrorResponse{Error: "session has no branch yet"})
		return
	}

	changes, err := s.git.BranchChangedFiles(c.Request.Context(), sess.ProjectPath, sess.BranchName, "", false)
	if err != nil {
		mapServiceError(c, err)
		return
	}

	// Diff the branch against the merge base, not the working tree, so
	// the view matches the branch the session produced.
	diff, err := s.git.FileDiff(c.Request.Context(), sess.ProjectPath, changes.BaseBranch+"..."+sess.BranchName, path)
	if err != nil {
		mapServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, DiffResponse{
		Path:       path,
		BaseBranch: changes.BaseBranch,
		Diff:       diff,
	})
}
