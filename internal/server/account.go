package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	accountdomain "github.com/sessionlane/paylane/internal/account/domain"
)

type accountView struct {
	AccountID        string `json:"account_id"`
	ProviderID       string `json:"provider_id,omitempty"`
	DetailsSubmitted bool   `json:"details_submitted"`
	ChargesEnabled   bool   `json:"charges_enabled"`
	PayoutsEnabled   bool   `json:"payouts_enabled"`
}

func (s *Server) GetAccount(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	account, err := s.accountSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if account == nil {
		AbortWithError(c, accountdomain.ErrNotFound)
		return
	}

	c.JSON(http.StatusOK, toAccountView(account))
}

func (s *Server) RefreshAccount(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	account, err := s.accountSvc.Refresh(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, toAccountView(account))
}

func toAccountView(account *accountdomain.ConnectedAccount) accountView {
	view := accountView{
		AccountID:        account.AccountID,
		DetailsSubmitted: account.DetailsSubmitted,
		ChargesEnabled:   account.ChargesEnabled,
		PayoutsEnabled:   account.PayoutsEnabled,
	}
	if account.ProviderID != 0 {
		view.ProviderID = account.ProviderID.String()
	}
	return view
}
