package api

import (
	"net/http"

	"github.com/safar/go-sql-shop/internal/checkout"
	"github.com/safar/go-sql-shop/internal/models"
)

type addCartItemRequest struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

type updateCartItemRequest struct {
	Quantity int `json:"quantity"`
}

type createOrderRequest struct {
	ShippingAddressID int64                `json:"shipping_address_id"`
	PaymentMethod     models.PaymentMethod `json:"payment_method"`
	Notes             string               `json:"notes"`
}

type registerRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

type registerResponse struct {
	User  *models.User `json:"user"`
	Token string       `json:"token"`
}

type addressRequest struct {
	FullName   string `json:"full_name"`
	Street     string `json:"street"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	IsDefault  bool   `json:"is_default"`
}

func (s *Server) getCart(w http.ResponseWriter, r *http.Request) {
	c, err := s.carts.Get(r.Context(), userID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

func (s *Server) addCartItem(w http.ResponseWriter, r *http.Request) {
	var req addCartItemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	item, err := s.carts.AddItem(r.Context(), userID(r), req.ProductID, req.Quantity)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, item)
}

func (s *Server) updateCartItem(w http.ResponseWriter, r *http.Request) {
	itemID, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req updateCartItemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	item, err := s.carts.UpdateItem(r.Context(), userID(r), itemID, req.Quantity)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, item)
}

func (s *Server) removeCartItem(w http.ResponseWriter, r *http.Request) {
	itemID, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.carts.RemoveItem(r.Context(), userID(r), itemID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) clearCart(w http.ResponseWriter, r *http.Request) {
	if _, err := s.carts.Clear(r.Context(), userID(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	order, err := s.orders.PlaceOrder(r.Context(), checkout.PlaceOrderRequest{
		UserID:            userID(r),
		ShippingAddressID: req.ShippingAddressID,
		PaymentMethod:     req.PaymentMethod,
		Notes:             req.Notes,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, order)
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	order, err := s.orders.CancelOrder(r.Context(), userID(r), orderID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, order)
}

// listOrders returns every order unless a cursor or limit asks for a page.
func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if query.Has("cursor") || query.Has("limit") {
		limit, err := queryInt(r, "limit")
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if limit == 0 {
			limit = 20
		}

		page, err := s.orders.ListOrdersPage(r.Context(), userID(r), query.Get("cursor"), limit)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, page)
		return
	}

	orders, err := s.orders.ListOrders(r.Context(), userID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, orders)
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	order, err := s.orders.GetOrder(r.Context(), userID(r), orderID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, order)
}

func (s *Server) listProducts(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pageSize, err := queryInt(r, "page_size")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	products, err := s.catalog.List(r.Context(), page, pageSize)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, products)
}

func (s *Server) getProduct(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	product, err := s.catalog.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, product)
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	user, err := s.accounts.Register(r.Context(), req.Email, req.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	token, err := s.auth.Issue(user.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, registerResponse{User: user, Token: token})
}

func (s *Server) addAddress(w http.ResponseWriter, r *http.Request) {
	var req addressRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	address, err := s.accounts.AddAddress(r.Context(), models.Address{
		UserID:     userID(r),
		FullName:   req.FullName,
		Street:     req.Street,
		City:       req.City,
		State:      req.State,
		PostalCode: req.PostalCode,
		Country:    req.Country,
		IsDefault:  req.IsDefault,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, address)
}

func (s *Server) listAddresses(w http.ResponseWriter, r *http.Request) {
	addresses, err := s.accounts.Addresses(r.Context(), userID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, addresses)
}

func (s *Server) deleteAddress(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.accounts.DeleteAddress(r.Context(), userID(r), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
