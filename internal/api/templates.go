package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/sendlater/internal/template"
)

// TemplateServer handles template API endpoints
type TemplateServer struct {
	store    template.Store
	renderer *template.Renderer
	logger   *slog.Logger
}

// NewTemplateServer creates a new template server
func NewTemplateServer(store template.Store, logger *slog.Logger) *TemplateServer {
	return &TemplateServer{
		store:    store,
		renderer: template.NewRenderer(store),
		logger:   logger,
	}
}

// RegisterRoutes registers template API routes
func (s *TemplateServer) RegisterRoutes(r chi.Router) {
	r.Route("/templates", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Post("/", s.handleCreate)
		r.Get("/categories", s.handleCategories)
		r.Post("/extract", s.handleExtract)
		r.Get("/{id}", s.handleGet)
		r.Put("/{id}", s.handleUpdate)
		r.Delete("/{id}", s.handleDelete)
		r.Post("/{id}/render", s.handleRender)
		r.Post("/{id}/fill", s.handleFill)
	})
}

// TemplateRequest is the request for creating or replacing a template
type TemplateRequest struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	Content  string `json:"content"`
	Category string `json:"category,omitempty"`
}

// TemplateResponse is the response for a template
type TemplateResponse struct {
	*template.Template
	Variables []string `json:"variables"`
}

// TemplateListResponse is the response for listing templates
type TemplateListResponse struct {
	Templates []*TemplateResponse     `json:"templates,omitempty"`
	Groups    []CategoryGroupResponse `json:"groups,omitempty"`
	Total     int                     `json:"total"`
}

// CategoryGroupResponse is one category of a grouped listing
type CategoryGroupResponse struct {
	Category  string              `json:"category"`
	Templates []*TemplateResponse `json:"templates"`
}

// CategoriesResponse is the response for GET /api/v1/templates/categories
type CategoriesResponse struct {
	Categories []string `json:"categories"`
}

// RenderRequest is the request for rendering a template
type RenderRequest struct {
	Variables map[string]string `json:"variables"`
}

// ExtractRequest is the request for POST /api/v1/templates/extract
type ExtractRequest struct {
	Content string `json:"content"`
}

// ExtractResponse is the response for POST /api/v1/templates/extract
type ExtractResponse struct {
	Variables []string `json:"variables"`
}

// FillResponse is the response for POST /api/v1/templates/{id}/fill
type FillResponse struct {
	Message string `json:"message"`
}

func newTemplateResponse(t *template.Template) *TemplateResponse {
	return &TemplateResponse{Template: t, Variables: t.Variables()}
}

// handleList handles GET /api/v1/templates
func (s *TemplateServer) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := template.ListFilter{
		Category: q.Get("category"),
		Search:   q.Get("search"),
	}
	if v := q.Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil && l > 0 {
			filter.Limit = l
		}
	}
	if v := q.Get("offset"); v != "" {
		if o, err := strconv.Atoi(v); err == nil && o > 0 {
			filter.Offset = o
		}
	}

	templates, err := s.store.List(r.Context(), filter)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	response := TemplateListResponse{Total: len(templates)}

	if group, _ := strconv.ParseBool(q.Get("group")); group {
		categories, err := s.store.Categories(r.Context())
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
		for _, g := range template.GroupByCategory(categories, templates) {
			resp := CategoryGroupResponse{Category: g.Category, Templates: []*TemplateResponse{}}
			for _, t := range g.Templates {
				resp.Templates = append(resp.Templates, newTemplateResponse(t))
			}
			response.Groups = append(response.Groups, resp)
		}
		sendJSON(w, http.StatusOK, response)
		return
	}

	response.Templates = make([]*TemplateResponse, 0, len(templates))
	for _, t := range templates {
		response.Templates = append(response.Templates, newTemplateResponse(t))
	}

	sendJSON(w, http.StatusOK, response)
}

// handleCreate handles POST /api/v1/templates
func (s *TemplateServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req TemplateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}

	s.save(w, r, req.ID, req, http.StatusCreated)
}

// handleUpdate handles PUT /api/v1/templates/{id}
func (s *TemplateServer) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req TemplateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}

	s.save(w, r, chi.URLParam(r, "id"), req, http.StatusOK)
}

func (s *TemplateServer) save(w http.ResponseWriter, r *http.Request, id string, req TemplateRequest, status int) {
	saved, err := s.store.Save(r.Context(), &template.Template{
		ID:       id,
		Name:     req.Name,
		Content:  req.Content,
		Category: req.Category,
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	s.logger.Info("template saved", "id", saved.ID, "name", saved.Name, "category", saved.Category)
	sendJSON(w, status, newTemplateResponse(saved))
}

// handleGet handles GET /api/v1/templates/{id}
func (s *TemplateServer) handleGet(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	sendJSON(w, http.StatusOK, newTemplateResponse(t))
}

// handleDelete handles DELETE /api/v1/templates/{id}
func (s *TemplateServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.Delete(r.Context(), id); err != nil {
		writeError(w, s.logger, err)
		return
	}

	s.logger.Info("template deleted", "id", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleCategories handles GET /api/v1/templates/categories
func (s *TemplateServer) handleCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := s.store.Categories(r.Context())
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	sendJSON(w, http.StatusOK, CategoriesResponse{Categories: categories})
}

// handleExtract handles POST /api/v1/templates/extract
func (s *TemplateServer) handleExtract(w http.ResponseWriter, r *http.Request) {
	var req ExtractRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	sendJSON(w, http.StatusOK, ExtractResponse{Variables: template.ExtractVariables(req.Content)})
}

// handleRender handles POST /api/v1/templates/{id}/render
func (s *TemplateServer) handleRender(w http.ResponseWriter, r *http.Request) {
	result, ok := s.render(w, r)
	if !ok {
		return
	}
	sendJSON(w, http.StatusOK, result)
}

// handleFill handles POST /api/v1/templates/{id}/fill and answers with
// just the filled message text
func (s *TemplateServer) handleFill(w http.ResponseWriter, r *http.Request) {
	result, ok := s.render(w, r)
	if !ok {
		return
	}
	sendJSON(w, http.StatusOK, FillResponse{Message: result.Text})
}

func (s *TemplateServer) render(w http.ResponseWriter, r *http.Request) (*template.RenderResult, bool) {
	var req RenderRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, s.logger, err)
			return nil, false
		}
	}

	result, err := s.renderer.RenderByID(r.Context(), chi.URLParam(r, "id"), req.Variables)
	if err != nil {
		writeError(w, s.logger, err)
		return nil, false
	}
	return result, true
}
