// Package handlers implements the JSON API of the licensing server. It is a
// thin layer between HTTP and the entitlement engine: handlers decode and
// validate requests, call a service and render the wire types from
// pkg/contracts/api/v1.
//
// # Handler Structure
//
// Each handler follows this pattern:
//
//	func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
//	    var req api.CreateProductRequest
//	    if err := h.binder.Bind(r, &req); err != nil {
//	        h.errors.HandleError(w, r, err)
//	        return
//	    }
//
//	    product, err := h.service.CreateProduct(r.Context(), req.Name, req.Description)
//	    if err != nil {
//	        h.errors.HandleError(w, r, err)
//	        return
//	    }
//
//	    render.Status(r, http.StatusCreated)
//	    render.JSON(w, r, ProductView(product))
//	}
//
// # Error Handling
//
// Handlers never write error bodies themselves. Every failure goes through
// errors.ErrorHandler, which renders RFC 7807 problem details:
//
//	VALIDATION          400
//	NOT_FOUND           404
//	INTEGRITY/CONFLICT  409
//	STORAGE             503
//	deadline exceeded   504
//
// A rejected validation is not an error. POST /api/validate answers 200
// with valid=false and a reason.
//
// # Routing
//
// Handlers expose Routes() sub-routers. The application mounts them under
// /api and decides which groups sit behind admin authentication.
package http
