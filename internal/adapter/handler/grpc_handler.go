package handler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/rl1809/storefront/internal/core/domain"
	"github.com/rl1809/storefront/internal/core/service"
)

const (
	grpcServiceName = "storefront.OrderService"
	mdUserID        = "x-user-id"
	mdUserRole      = "x-user-role"
)

// jsonCodec lets clients speak to the service with content-subtype "json"
// instead of protobuf.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type PlaceOrderRequest struct {
	RequestID       string          `json:"request_id"`
	Items           []orderLineBody `json:"items"`
	ShippingAddress domain.Address  `json:"shipping_address"`
	PaymentMethod   string          `json:"payment_method"`
	ShippingFee     decimal.Decimal `json:"shipping_fee"`
	Discount        decimal.Decimal `json:"discount"`
	CouponCode      string          `json:"coupon_code"`
	Notes           string          `json:"notes"`
}

type CancelOrderRequest struct {
	OrderID string `json:"order_id"`
}

type OrderReply struct {
	Success bool          `json:"success"`
	Message string        `json:"message"`
	Order   *domain.Order `json:"order,omitempty"`
}

type CouponRequest struct {
	CouponCode     string            `json:"coupon_code"`
	CartItems      []domain.CartLine `json:"cart_items"`
	UserID         string            `json:"user_id"`
	IdempotencyKey string            `json:"idempotency_key"`
}

type CouponReply struct {
	Success    bool                `json:"success"`
	Message    string              `json:"message"`
	Evaluation *service.Evaluation `json:"evaluation,omitempty"`
}

type OrderServiceServer interface {
	PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*OrderReply, error)
	CancelOrder(ctx context.Context, req *CancelOrderRequest) (*OrderReply, error)
	PreviewCoupon(ctx context.Context, req *CouponRequest) (*CouponReply, error)
	ApplyCoupon(ctx context.Context, req *CouponRequest) (*CouponReply, error)
}

func unaryMethod[Req, Resp any](name string, call func(OrderServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(OrderServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + grpcServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(OrderServiceServer), ctx, req.(*Req))
			})
		},
	}
}

var orderServiceDesc = grpc.ServiceDesc{
	ServiceName: grpcServiceName,
	HandlerType: (*OrderServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("PlaceOrder", OrderServiceServer.PlaceOrder),
		unaryMethod("CancelOrder", OrderServiceServer.CancelOrder),
		unaryMethod("PreviewCoupon", OrderServiceServer.PreviewCoupon),
		unaryMethod("ApplyCoupon", OrderServiceServer.ApplyCoupon),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "storefront/order_service",
}

func RegisterOrderServiceServer(s grpc.ServiceRegistrar, srv OrderServiceServer) {
	s.RegisterService(&orderServiceDesc, srv)
}

type GRPCHandler struct {
	orders  orderService
	coupons couponService
}

func NewGRPCHandler(orders orderService, coupons couponService) *GRPCHandler {
	return &GRPCHandler{orders: orders, coupons: coupons}
}

func identityFromMetadata(ctx context.Context) (domain.Identity, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	ids := md.Get(mdUserID)
	if len(ids) == 0 || ids[0] == "" {
		return domain.Identity{}, status.Error(codes.Unauthenticated, "missing "+mdUserID)
	}
	role := domain.RoleUser
	if roles := md.Get(mdUserRole); len(roles) > 0 && domain.Role(roles[0]) == domain.RoleAdmin {
		role = domain.RoleAdmin
	}
	return domain.Identity{UserID: ids[0], Role: role}, nil
}

// replyMessage turns an expected business failure into a reply message. Anything
// else becomes an Internal status.
func replyMessage(ctx context.Context, err error) (string, error) {
	code, message := errorStatus(err)
	if code >= 500 {
		zerolog.Ctx(ctx).Error().Err(err).Msg("rpc failed")
		return "", statusInternal
	}
	return message, nil
}

var statusInternal = status.Error(codes.Internal, "internal error")

func (h *GRPCHandler) PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*OrderReply, error) {
	id, err := identityFromMetadata(ctx)
	if err != nil {
		return nil, err
	}

	in := service.PlaceOrderRequest{
		RequestID:       req.RequestID,
		UserID:          id.UserID,
		ShippingAddress: req.ShippingAddress,
		PaymentMethod:   domain.PaymentMethod(req.PaymentMethod),
		ShippingFee:     req.ShippingFee,
		Discount:        req.Discount,
		CouponCode:      req.CouponCode,
		Meta:            domain.OrderMeta{Notes: req.Notes},
	}
	for _, l := range req.Items {
		in.Items = append(in.Items, service.OrderLine{ProductID: l.ProductID, Quantity: l.Quantity})
	}

	order, err := h.orders.PlaceOrder(ctx, in)
	if err != nil {
		msg, rpcErr := replyMessage(ctx, err)
		if rpcErr != nil {
			return nil, rpcErr
		}
		return &OrderReply{Success: false, Message: msg}, nil
	}

	return &OrderReply{Success: true, Message: "order placed successfully", Order: order}, nil
}

func (h *GRPCHandler) CancelOrder(ctx context.Context, req *CancelOrderRequest) (*OrderReply, error) {
	id, err := identityFromMetadata(ctx)
	if err != nil {
		return nil, err
	}

	order, err := h.orders.CancelOrder(ctx, req.OrderID, id)
	if err != nil {
		msg, rpcErr := replyMessage(ctx, err)
		if rpcErr != nil {
			return nil, rpcErr
		}
		return &OrderReply{Success: false, Message: msg}, nil
	}

	return &OrderReply{Success: true, Message: "order cancelled", Order: order}, nil
}

func (h *GRPCHandler) PreviewCoupon(ctx context.Context, req *CouponRequest) (*CouponReply, error) {
	userID := req.UserID
	if id, err := identityFromMetadata(ctx); err == nil {
		userID = id.UserID
	}

	ev, err := h.coupons.Evaluate(ctx, req.CouponCode, req.CartItems, userID)
	if err != nil {
		msg, rpcErr := replyMessage(ctx, err)
		if rpcErr != nil {
			return nil, rpcErr
		}
		return &CouponReply{Success: false, Message: msg}, nil
	}
	return &CouponReply{Success: true, Message: string(ev.Reason), Evaluation: &ev}, nil
}

func (h *GRPCHandler) ApplyCoupon(ctx context.Context, req *CouponRequest) (*CouponReply, error) {
	id, err := identityFromMetadata(ctx)
	if err != nil {
		return nil, err
	}

	ev, err := h.coupons.Apply(ctx, service.ApplyRequest{
		Code:           req.CouponCode,
		Lines:          req.CartItems,
		UserID:         id.UserID,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		msg, rpcErr := replyMessage(ctx, err)
		if rpcErr != nil {
			return nil, rpcErr
		}
		return &CouponReply{Success: false, Message: msg}, nil
	}
	if !ev.Valid {
		return &CouponReply{Success: false, Message: string(ev.Reason), Evaluation: &ev}, nil
	}
	return &CouponReply{Success: true, Message: "coupon applied", Evaluation: &ev}, nil
}

// LoggingInterceptor attaches the logger to the call context and logs every call.
func LoggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		start := time.Now()
		ctx = logger.With().Str("method", info.FullMethod).Logger().WithContext(ctx)

		resp, err := next(ctx, req)

		event := logger.Info()
		if err != nil {
			event = logger.Warn().Err(err)
		}
		event.Str("method", info.FullMethod).
			Str("code", status.Code(err).String()).
			Dur("duration", time.Since(start)).
			Msg("rpc completed")
		return resp, err
	}
}

// OrderServiceClient calls OrderService with the JSON codec.
type OrderServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewOrderServiceClient(cc grpc.ClientConnInterface) *OrderServiceClient {
	return &OrderServiceClient{cc: cc}
}

func (c *OrderServiceClient) invoke(ctx context.Context, method string, in, out any, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(jsonCodec{}.Name())}, opts...)
	return c.cc.Invoke(ctx, "/"+grpcServiceName+"/"+method, in, out, opts...)
}

func (c *OrderServiceClient) PlaceOrder(ctx context.Context, in *PlaceOrderRequest, opts ...grpc.CallOption) (*OrderReply, error) {
	out := new(OrderReply)
	if err := c.invoke(ctx, "PlaceOrder", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OrderServiceClient) CancelOrder(ctx context.Context, in *CancelOrderRequest, opts ...grpc.CallOption) (*OrderReply, error) {
	out := new(OrderReply)
	if err := c.invoke(ctx, "CancelOrder", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OrderServiceClient) PreviewCoupon(ctx context.Context, in *CouponRequest, opts ...grpc.CallOption) (*CouponReply, error) {
	out := new(CouponReply)
	if err := c.invoke(ctx, "PreviewCoupon", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OrderServiceClient) ApplyCoupon(ctx context.Context, in *CouponRequest, opts ...grpc.CallOption) (*CouponReply, error) {
	out := new(CouponReply)
	if err := c.invoke(ctx, "ApplyCoupon", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

// WithIdentity returns a context carrying the caller identity as outgoing metadata.
func WithIdentity(ctx context.Context, id domain.Identity) context.Context {
	return metadata.AppendToOutgoingContext(ctx, mdUserID, id.UserID, mdUserRole, string(id.Role))
}
