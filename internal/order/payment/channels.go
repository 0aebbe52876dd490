// Package payment reconciles heterogeneous payment channels: offline
// settlement, redirect-based card checkout, and the asynchronous push
// prompt confirmed out-of-band within a bounded wait.
package payment

import (
	"fmt"

	"github.com/ProSteveMchuma/melagro-core-go/internal/order/domain"
)

type Method string

const (
	MethodCOD      Method = "cod"      // cash on delivery
	MethodPaybill  Method = "paybill"  // manual paybill code, verified by an admin
	MethodWhatsApp Method = "whatsapp" // chat-assisted order, settled in conversation
	MethodCard     Method = "card"     // hosted card checkout via redirect
	MethodPush     Method = "mpesa"    // mobile-money push prompt
)

type Kind int

const (
	KindManual Kind = iota
	KindRedirect
	KindPush
)

type ChannelSpec struct {
	Method        Method
	Kind          Kind
	InitialStatus domain.PaymentStatus
}

// channels is the closed set; an unknown tag is rejected at checkout.
var channels = map[Method]ChannelSpec{
	MethodCOD:      {Method: MethodCOD, Kind: KindManual, InitialStatus: domain.PaymentStatusUnpaid},
	MethodPaybill:  {Method: MethodPaybill, Kind: KindManual, InitialStatus: domain.PaymentStatusPendingVerify},
	MethodWhatsApp: {Method: MethodWhatsApp, Kind: KindManual, InitialStatus: domain.PaymentStatusPendingWhatsApp},
	MethodCard:     {Method: MethodCard, Kind: KindRedirect, InitialStatus: domain.PaymentStatusUnpaid},
	MethodPush:     {Method: MethodPush, Kind: KindPush, InitialStatus: domain.PaymentStatusUnpaid},
}

func Lookup(method string) (ChannelSpec, error) {
	spec, ok := channels[Method(method)]
	if !ok {
		return ChannelSpec{}, fmt.Errorf("unknown payment method %q", method)
	}
	return spec, nil
}
