package winningbid_client

const (
	// Base URL
	BaseURL = "https://winning-bid-app.onrender.com/api"

	// API Endpoints
	ProductsEndpoint     = "/products"
	ProductEndpoint      = "/products/%s"
	BidsEndpoint         = "/bids/%s/bids"
	PlaceBidEndpoint     = "/bids/%s/bid-j"
	UserProductsEndpoint = "/products/user-products"
	SalesEndpoint        = "/bids/%s/sales"
	UserEndpoint         = "/users/%s"
	RefreshTokenEndpoint = "/auth/refresh-token"

	// Product types
	ProductTypeAuction = "subasta"

	// Listing page size used by the home feed
	DefaultPageSize = 10
)
