package network

import (
	"github.com/chromedp/cdproto"
	cdpnetwork "github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
)

// Protocol methods the engine consumes or issues.
var (
	EventRequestWillBeSent = string(cdproto.EventNetworkRequestWillBeSent)
	EventResponseReceived  = string(cdproto.EventNetworkResponseReceived)
	EventLoadingFinished   = string(cdproto.EventNetworkLoadingFinished)
	EventLoadingFailed     = string(cdproto.EventNetworkLoadingFailed)
	EventFrameNavigated    = string(cdproto.EventPageFrameNavigated)

	CommandNetworkEnable   = cdpnetwork.CommandEnable
	CommandPageEnable      = page.CommandEnable
	CommandGetResponseBody = cdpnetwork.CommandGetResponseBody
)

// Events lists the protocol events an Engine handles, for host subscription.
func Events() []string {
	return []string{
		EventRequestWillBeSent,
		EventResponseReceived,
		EventLoadingFinished,
		EventLoadingFailed,
		EventFrameNavigated,
	}
}
