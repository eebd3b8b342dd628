package winningbid_client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/mcdev12/winningbid/go/clients"
	"github.com/shopspring/decimal"
)

func init() {
	// the backend reads amounts as JSON numbers
	decimal.MarshalJSONWithoutQuotes = true
}

// Client talks to the auction marketplace REST API on behalf of a session
type Client struct {
	*clients.BaseClient
}

// NewClient creates an API client. tokens may be nil for anonymous browsing.
func NewClient(baseURL string, tokens clients.TokenSource) *Client {
	if baseURL == "" {
		baseURL = BaseURL
	}
	client := &Client{
		BaseClient: clients.NewBaseClient(baseURL),
	}
	if tokens != nil {
		client.SetTokenSource(tokens)
	}
	return client
}

type SellerRef struct {
	ID   string `json:"_id"`
	Name string `json:"name,omitempty"`
}

type Product struct {
	ID             string          `json:"_id"`
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	Category       string          `json:"category,omitempty"`
	Type           string          `json:"type"`
	Images         []string        `json:"images"`
	StartingPrice  decimal.Decimal `json:"startingPrice"`
	CurrentPrice   decimal.Decimal `json:"currentPrice"`
	AuctionEndTime *time.Time      `json:"auctionEndTime,omitempty"`
	Status         string          `json:"status,omitempty"`
	Seller         *SellerRef      `json:"seller_id,omitempty"`
}

// IsAuction reports whether the product is sold by auction rather than fixed price
func (p Product) IsAuction() bool {
	return p.Type == ProductTypeAuction
}

type productsPage struct {
	Products []Product `json:"products"`
}

// ProductQuery filters the product listing
type ProductQuery struct {
	Page     int
	Limit    int
	Type     string
	Category string
}

type BidsResponse struct {
	Bids   []BidEntry `json:"bids"`
	Status string     `json:"status"`
}

type BidEntry struct {
	UserID    string          `json:"userId"`
	UserName  string          `json:"userName,omitempty"`
	BidAmount decimal.Decimal `json:"bidAmount"`
	Timestamp time.Time       `json:"timestamp"`
}

type PlaceBidRequest struct {
	ProductID string          `json:"productId"`
	UserID    string          `json:"userId"`
	BidAmount decimal.Decimal `json:"bidAmount"`
	Timestamp time.Time       `json:"timestamp"`
}

type User struct {
	ID             string `json:"_id"`
	Name           string `json:"name"`
	Email          string `json:"email,omitempty"`
	Avatar         string `json:"avatar,omitempty"`
	BidPercentages []int  `json:"bidPercentages,omitempty"`
}

func (c *Client) GetProduct(ctx context.Context, productID string) (*Product, error) {
	body, err := c.Get(ctx, fmt.Sprintf(ProductEndpoint, url.PathEscape(productID)), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get product: %w", err)
	}

	var product Product
	if err := json.Unmarshal(body, &product); err != nil {
		return nil, fmt.Errorf("failed to unmarshal product: %w, raw response: %s", err, string(body))
	}
	return &product, nil
}

// ListProducts returns one page of products. The API answers either with a
// bare array or with {"products": [...]}; both are accepted.
func (c *Client) ListProducts(ctx context.Context, q ProductQuery) ([]Product, error) {
	query := map[string]string{}
	if q.Page > 0 {
		query["page"] = strconv.Itoa(q.Page)
	}
	if q.Limit > 0 {
		query["limit"] = strconv.Itoa(q.Limit)
	}
	if q.Type != "" {
		query["type"] = q.Type
	}
	if q.Category != "" {
		query["category"] = q.Category
	}

	body, err := c.Get(ctx, ProductsEndpoint, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}

	var page productsPage
	if err := json.Unmarshal(body, &page); err == nil && page.Products != nil {
		return page.Products, nil
	}

	var products []Product
	if err := json.Unmarshal(body, &products); err != nil {
		return nil, fmt.Errorf("failed to unmarshal products: %w", err)
	}
	return products, nil
}

func (c *Client) GetBids(ctx context.Context, productID string) (*BidsResponse, error) {
	body, err := c.Get(ctx, fmt.Sprintf(BidsEndpoint, url.PathEscape(productID)), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get bids: %w", err)
	}

	var response BidsResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal bids: %w, raw response: %s", err, string(body))
	}
	return &response, nil
}

// PlaceBid submits the authoritative bid request
func (c *Client) PlaceBid(ctx context.Context, req PlaceBidRequest) error {
	if _, err := c.Post(ctx, fmt.Sprintf(PlaceBidEndpoint, url.PathEscape(req.ProductID)), req); err != nil {
		return fmt.Errorf("failed to place bid: %w", err)
	}
	return nil
}

func (c *Client) GetUser(ctx context.Context, userID string) (*User, error) {
	body, err := c.Get(ctx, fmt.Sprintf(UserEndpoint, url.PathEscape(userID)), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	var user User
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	return &user, nil
}
