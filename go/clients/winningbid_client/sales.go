package winningbid_client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/shopspring/decimal"
)

// SaleWinner is the buyer of a finished auction
type SaleWinner struct {
	UserID    string          `json:"userId"`
	UserName  string          `json:"userName,omitempty"`
	BidAmount decimal.Decimal `json:"bidAmount"`
}

// Sale is the seller-side record of one product's outcome
type Sale struct {
	ProductID string          `json:"productId"`
	Price     decimal.Decimal `json:"price"`
	Winner    *SaleWinner     `json:"winner,omitempty"`
}

// UnmarshalJSON accepts both sale shapes the API returns: the flat one with
// productId and winner, and the nested one with product and buyer objects.
func (s *Sale) UnmarshalJSON(data []byte) error {
	var raw struct {
		ProductID string          `json:"productId"`
		Price     decimal.Decimal `json:"price"`
		Winner    *SaleWinner     `json:"winner"`
		Product   *struct {
			ID string `json:"id"`
		} `json:"product"`
		Buyer *struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"buyer"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*s = Sale{ProductID: raw.ProductID, Price: raw.Price, Winner: raw.Winner}
	if s.ProductID == "" && raw.Product != nil {
		s.ProductID = raw.Product.ID
	}
	if s.Winner == nil && raw.Buyer != nil {
		s.Winner = &SaleWinner{UserID: raw.Buyer.ID, UserName: raw.Buyer.Name, BidAmount: raw.Price}
	}
	return nil
}

type salesResponse struct {
	Data struct {
		Sales []Sale `json:"sales"`
	} `json:"data"`
}

// ListUserProducts returns the products published by the session's user
func (c *Client) ListUserProducts(ctx context.Context) ([]Product, error) {
	body, err := c.Get(ctx, UserProductsEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list user products: %w", err)
	}

	var page productsPage
	if err := json.Unmarshal(body, &page); err == nil && page.Products != nil {
		return page.Products, nil
	}

	var products []Product
	if err := json.Unmarshal(body, &products); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user products: %w", err)
	}
	return products, nil
}

// GetSales returns the seller's sales. Entries without a product id are dropped.
func (c *Client) GetSales(ctx context.Context, sellerID string) ([]Sale, error) {
	body, err := c.Get(ctx, fmt.Sprintf(SalesEndpoint, url.PathEscape(sellerID)), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get sales: %w", err)
	}

	var response salesResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sales: %w", err)
	}

	sales := make([]Sale, 0, len(response.Data.Sales))
	for _, s := range response.Data.Sales {
		if s.ProductID != "" {
			sales = append(sales, s)
		}
	}
	return sales, nil
}
