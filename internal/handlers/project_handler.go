package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"mailflow/internal/models"
	"mailflow/internal/repository"
	"mailflow/internal/services"
	"mailflow/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ProjectHandler 项目与自动化规则的只读视图，以及项目删除
type ProjectHandler struct {
	projects *services.ProjectService
	repos    *repository.Repositories
	logger   *logrus.Logger
}

func NewProjectHandler(projects *services.ProjectService, repos *repository.Repositories, logger *logrus.Logger) *ProjectHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ProjectHandler{projects: projects, repos: repos, logger: logger}
}

// GetProject 获取项目
// @Router /api/v1/projects/{project} [get]
func (h *ProjectHandler) GetProject(c *gin.Context) {
	p, err := h.projects.Get(c.Request.Context(), c.Param("project"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// DeleteProject 删除项目，关联数据由后台任务清理
// @Router /api/v1/projects/{project} [delete]
func (h *ProjectHandler) DeleteProject(c *gin.Context) {
	taskID, err := h.projects.Delete(c.Request.Context(), c.Param("project"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusAccepted, SuccessResponse{
		Message: "project deleted",
		Data:    gin.H{"task": taskID},
	})
}

// GetAction returns an action with the relations named in ?embed=.
// @Router /api/v1/projects/{project}/actions/{id} [get]
func (h *ProjectHandler) GetAction(c *gin.Context) {
	ctx := c.Request.Context()
	action, err := h.repos.Actions.Get(ctx, c.Param("id"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if action.Project != c.Param("project") {
		writeError(c, h.logger, fmt.Errorf("action %s: %w", action.ID, store.ErrNotFound))
		return
	}

	var relations []string
	for _, name := range strings.Split(c.Query("embed"), ",") {
		if name = strings.TrimSpace(name); name != "" {
			relations = append(relations, name)
		}
	}
	if len(relations) == 0 {
		c.JSON(http.StatusOK, store.Embedded[*models.Action]{Item: action})
		return
	}
	embedded, err := h.repos.Actions.Embed(ctx, []*models.Action{action}, relations...)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, embedded[0])
}

// RegisterProjectRoutes 注册项目路由
func RegisterProjectRoutes(r *gin.RouterGroup, h *ProjectHandler) {
	r.GET("/projects/:project", h.GetProject)
	r.DELETE("/projects/:project", h.DeleteProject)
	r.GET("/projects/:project/actions/:id", h.GetAction)
}
