package reactor

// wsHandlerEntry pairs a registered WebSocketHandler with its
// cross-origin policy.
type wsHandlerEntry struct {
	handler          WebSocketHandler
	allowCrossOrigin bool
}

// handlerRegistry holds the two handler tables: an ordered list of
// page handlers tried in registration order, and an endpoint-keyed map
// of WebSocket handlers.
type handlerRegistry struct {
	pages   []PageHandler
	sockets map[string]wsHandlerEntry
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{sockets: make(map[string]wsHandlerEntry)}
}

func (r *handlerRegistry) addPageHandler(h PageHandler) {
	r.pages = append(r.pages, h)
}

func (r *handlerRegistry) addWebSocketHandler(endpoint string, h WebSocketHandler, allowCrossOrigin bool) {
	r.sockets[endpoint] = wsHandlerEntry{handler: h, allowCrossOrigin: allowCrossOrigin}
}

// dispatchPage tries every registered page handler in order, returning
// the first non-Unhandled Response.
func (r *handlerRegistry) dispatchPage(req *Request) Response {
	for _, h := range r.pages {
		if resp := h.Handle(req); !IsUnhandled(resp) {
			return resp
		}
	}
	return Unhandled
}

// lookupWebSocket resolves target (with any query string stripped)
// against the endpoint table.
func (r *handlerRegistry) lookupWebSocket(target string) (wsHandlerEntry, bool) {
	entry, ok := r.sockets[stripQuery(target)]
	return entry, ok
}
