// Package broker 管理到 MQTT 代理的多个连接，提供带确认与重试的发布。
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"instrument-gateway/internal/debounce"
	"instrument-gateway/internal/monitor"
)

// ClientFactory 创建底层 MQTT 客户端，测试中替换为假实现
type ClientFactory func(*mqtt.ClientOptions) mqtt.Client

// Config 客户端参数
type Config struct {
	// RetryDelay 发布成功但未收到确认时的重发间隔
	RetryDelay     time.Duration
	ReconnectDelay time.Duration
	DebounceWindow time.Duration
	TokenTimeout   time.Duration
	EventBuffer    int
}

func DefaultConfig() Config {
	return Config{
		RetryDelay:     5 * time.Second,
		ReconnectDelay: 5 * time.Second,
		DebounceWindow: 600 * time.Millisecond,
		TokenTimeout:   10 * time.Second,
		EventBuffer:    256,
	}
}

type subscription struct {
	qos     byte
	handler Handler
}

// pendingRequest 等待确认的一次发布
type pendingRequest struct {
	topic    string
	callback func(Result)
	acked    chan *ResponseMessage
	once     sync.Once
}

func (p *pendingRequest) finish(res Result) {
	p.once.Do(func() {
		if p.callback != nil {
			p.callback(res)
		}
	})
}

type brokerConn struct {
	key    string
	host   string
	port   int
	opts   Options
	client mqtt.Client

	disconnected bool
	reconnecting bool
	subs         map[string]*subscription
	// responses 原始主题 -> 最近一次确认，等待期间为 nil
	responses map[string]*ResponseMessage
	// pending 确认主题 -> 按发布顺序排队的请求
	pending map[string][]*pendingRequest
}

// Client 多连接 MQTT 客户端
type Client struct {
	cfg     Config
	factory ClientFactory
	log     *logrus.Logger

	mu    sync.Mutex
	conns map[string]*brokerConn

	events    chan Event
	reconnect *debounce.Debouncer
	ctx       context.Context
	cancel    context.CancelFunc
}

func NewClient(cfg Config, factory ClientFactory, log *logrus.Logger) *Client {
	def := DefaultConfig()
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = def.DebounceWindow
	}
	if cfg.TokenTimeout <= 0 {
		cfg.TokenTimeout = def.TokenTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if factory == nil {
		factory = mqtt.NewClient
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:       cfg,
		factory:   factory,
		log:       log,
		conns:     make(map[string]*brokerConn),
		events:    make(chan Event, cfg.EventBuffer),
		reconnect: debounce.New(cfg.DebounceWindow),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func connKey(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Events 连接事件与未指定处理函数的订阅消息
func (c *Client) Events() <-chan Event {
	return c.events
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

// Connect 建立连接；失败时进入去抖重连并返回错误
func (c *Client) Connect(ctx context.Context, host string, port int, opts Options) error {
	key := connKey(host, port)
	if opts.Protocol == "" {
		opts.Protocol = "tcp"
	}

	c.mu.Lock()
	bc, ok := c.conns[key]
	if ok && bc.client != nil && bc.client.IsConnected() {
		c.mu.Unlock()
		c.emit(Event{Kind: EventConnect, Host: host, Port: port})
		return nil
	}
	if !ok {
		bc = &brokerConn{
			key:          key,
			host:         host,
			port:         port,
			disconnected: true,
			subs:         make(map[string]*subscription),
			responses:    make(map[string]*ResponseMessage),
			pending:      make(map[string][]*pendingRequest),
		}
		c.conns[key] = bc
	}
	bc.opts = opts
	c.mu.Unlock()

	return c.connectClient(ctx, bc)
}

// BrokerURL 拼接代理地址 <协议>://<主机>:<端口>[/路径]
func BrokerURL(opts Options, host string, port int) string {
	protocol := opts.Protocol
	if protocol == "" {
		protocol = "tcp"
	}
	path := opts.Path
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("%s://%s%s", protocol, connKey(host, port), path)
}

func (c *Client) clientOptions(bc *brokerConn) *mqtt.ClientOptions {
	o := mqtt.NewClientOptions()
	o.AddBroker(BrokerURL(bc.opts, bc.host, bc.port))
	if bc.opts.ClientID != "" {
		o.SetClientID(bc.opts.ClientID)
	}
	if bc.opts.Username != "" {
		o.SetUsername(bc.opts.Username)
		o.SetPassword(bc.opts.Password)
	}
	if bc.opts.ConnectTimeout > 0 {
		o.SetConnectTimeout(bc.opts.ConnectTimeout)
	}
	if bc.opts.KeepAlive > 0 {
		o.SetKeepAlive(bc.opts.KeepAlive)
	}
	o.SetCleanSession(bc.opts.CleanSession)
	// 重连由本客户端控制
	o.SetAutoReconnect(false)
	o.SetConnectRetry(false)
	o.SetOnConnectHandler(func(cl mqtt.Client) { c.onConnect(bc, cl) })
	o.SetConnectionLostHandler(func(cl mqtt.Client, err error) { c.onConnectionLost(bc, cl, err) })
	return o
}

func (c *Client) connectClient(ctx context.Context, bc *brokerConn) error {
	c.mu.Lock()
	cl := c.factory(c.clientOptions(bc))
	bc.client = cl
	c.mu.Unlock()

	c.log.Infof("连接MQTT代理: %s", bc.key)
	if err := c.wait(ctx, cl.Connect()); err != nil {
		c.mu.Lock()
		bc.disconnected = true
		registered := c.conns[bc.key] == bc
		c.mu.Unlock()
		c.log.Errorf("MQTT连接失败 [%s]: %v", bc.key, err)
		c.emit(Event{Kind: EventDisconnect, Host: bc.host, Port: bc.port})
		if registered {
			c.scheduleReconnect(bc)
		}
		return fmt.Errorf("连接MQTT代理 %s 失败: %w", bc.key, err)
	}
	return nil
}

func (c *Client) onConnect(bc *brokerConn, cl mqtt.Client) {
	c.mu.Lock()
	if c.conns[bc.key] != bc || bc.client != cl {
		c.mu.Unlock()
		return
	}
	bc.disconnected = false
	topics := make(map[string]*subscription, len(bc.subs))
	for t, s := range bc.subs {
		topics[t] = s
	}
	c.mu.Unlock()

	monitor.ActiveConnections.WithLabelValues("mqtt").Inc()
	c.log.Infof("MQTT已连接: %s", bc.key)
	c.emit(Event{Kind: EventConnect, Host: bc.host, Port: bc.port})

	if len(topics) == 0 {
		return
	}
	go func() {
		for topic, s := range topics {
			if err := c.wait(c.ctx, cl.Subscribe(topic, s.qos, c.route(bc))); err != nil {
				c.log.Warnf("恢复订阅失败 [%s] %s: %v", bc.key, topic, err)
			}
		}
	}()
}

func (c *Client) onConnectionLost(bc *brokerConn, cl mqtt.Client, err error) {
	c.mu.Lock()
	if bc.client != cl {
		c.mu.Unlock()
		return
	}
	bc.disconnected = true
	registered := c.conns[bc.key] == bc
	c.mu.Unlock()

	monitor.ActiveConnections.WithLabelValues("mqtt").Dec()
	c.log.Errorf("MQTT连接断开 [%s]: %v", bc.key, err)
	c.emit(Event{Kind: EventDisconnect, Host: bc.host, Port: bc.port})
	if registered {
		c.scheduleReconnect(bc)
	}
}

func (c *Client) scheduleReconnect(bc *brokerConn) {
	c.reconnect.Trigger(bc.key, func() { c.handleReconnection(bc) })
}

func (c *Client) handleReconnection(bc *brokerConn) {
	c.mu.Lock()
	if c.conns[bc.key] != bc || bc.reconnecting || !bc.disconnected {
		c.mu.Unlock()
		return
	}
	bc.reconnecting = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		bc.reconnecting = false
		c.mu.Unlock()
	}()

	timer := time.NewTimer(c.cfg.ReconnectDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-c.ctx.Done():
		return
	}

	c.mu.Lock()
	stale := c.conns[bc.key] != bc
	c.mu.Unlock()
	if stale {
		return
	}

	monitor.Reconnects.WithLabelValues("mqtt").Inc()
	c.log.Infof("尝试重连MQTT代理 %s ...", bc.key)
	c.connectClient(c.ctx, bc)
}

// route 返回订阅回调：优先交给等待确认的请求，其次是订阅处理函数，最后投递为事件
func (c *Client) route(bc *brokerConn) mqtt.MessageHandler {
	return func(_ mqtt.Client, m mqtt.Message) {
		c.dispatch(bc, m.Topic(), m.Payload())
	}
}

func (c *Client) dispatch(bc *brokerConn, topic string, payload []byte) {
	c.mu.Lock()
	var req *pendingRequest
	if queue := bc.pending[topic]; len(queue) > 0 {
		req = queue[0]
		bc.pending[topic] = queue[1:]
	}
	var handler Handler
	if s, ok := bc.subs[topic]; ok {
		handler = s.handler
	}
	c.mu.Unlock()

	if req != nil {
		var msg ResponseMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.log.Warnf("确认消息解析失败 [%s]: %v", topic, err)
		}
		c.log.Infof("收到确认 %s: %s", topic, msg.Param.Result)
		c.mu.Lock()
		bc.responses[req.topic] = &msg
		c.mu.Unlock()
		req.finish(msg.Result())
		select {
		case req.acked <- &msg:
		default:
		}
		return
	}

	if handler != nil {
		handler(topic, payload)
		return
	}
	c.emit(Event{Kind: EventMessage, Host: bc.host, Port: bc.port, Topic: topic, Payload: payload})
}

func (c *Client) lookup(host string, port int) (*brokerConn, mqtt.Client, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bc, ok := c.conns[connKey(host, port)]
	if !ok || bc.client == nil || bc.disconnected {
		return bc, nil, false
	}
	return bc, bc.client, true
}

// Publish 以 JSON 发布消息。req 非空时订阅确认主题并等待确认：
// 发布失败立即重试，发布成功但 RetryDelay 内无确认则重发，
// 重试耗尽后回调 503（发布错误）或 502（无响应）。
func (c *Client) Publish(ctx context.Context, host string, port int, topic string, message any, req *RequestConfig, retries int, qos byte) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("序列化消息失败: %w", err)
	}

	bc, cl, ok := c.lookup(host, port)
	if !ok {
		c.log.Warnf("MQTT未连接 %s，无法发布 %s", connKey(host, port), topic)
		return ErrNotConnected
	}

	var pr *pendingRequest
	if req != nil {
		pr = &pendingRequest{topic: topic, callback: req.Callback, acked: make(chan *ResponseMessage, 1)}
		c.mu.Lock()
		bc.responses[topic] = nil
		bc.pending[req.Topic] = append(bc.pending[req.Topic], pr)
		c.mu.Unlock()
		defer c.dropPending(bc, req.Topic, pr)

		if err := c.Subscribe(host, port, req.Topic, nil, retries); err != nil {
			pr.finish(Result{Code: CodePublishError, Msg: MsgPublishError})
			return err
		}
	}

	for attempt := 0; ; attempt++ {
		last := attempt >= retries
		c.log.Debugf("发布 %s (第 %d 次)", topic, attempt+1)

		if err := c.wait(ctx, cl.Publish(topic, qos, false, payload)); err != nil {
			c.log.Warnf("发布失败 %s: %v", topic, err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if last {
				if pr != nil {
					pr.finish(Result{Code: CodePublishError, Msg: MsgPublishError})
				}
				return fmt.Errorf("%s: %w: %v", topic, ErrPublishFailed, err)
			}
			monitor.PublishRetries.Inc()
			continue
		}

		if pr == nil {
			return nil
		}

		timer := time.NewTimer(c.cfg.RetryDelay)
		select {
		case <-pr.acked:
			timer.Stop()
			return nil
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if c.responded(bc, topic) {
			return nil
		}
		if last {
			pr.finish(Result{Code: CodeNoResponse, Msg: MsgNoResponse})
			return fmt.Errorf("%s: %w", topic, ErrNoResponse)
		}
		monitor.PublishRetries.Inc()
	}
}

func (c *Client) responded(bc *brokerConn, topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bc.responses[topic] != nil
}

func (c *Client) dropPending(bc *brokerConn, ackTopic string, pr *pendingRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	queue := bc.pending[ackTopic]
	for i, p := range queue {
		if p == pr {
			bc.pending[ackTopic] = append(queue[:i:i], queue[i+1:]...)
			break
		}
	}
	if len(bc.pending[ackTopic]) == 0 {
		delete(bc.pending, ackTopic)
	}
}

// Response 主题最近一次确认消息
func (c *Client) Response(host string, port int, topic string) *ResponseMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	if bc, ok := c.conns[connKey(host, port)]; ok {
		return bc.responses[topic]
	}
	return nil
}

// Subscribe 订阅主题，同一连接重复订阅直接返回。handler 为 nil 时消息以事件投递。
func (c *Client) Subscribe(host string, port int, topic string, handler Handler, retries int) error {
	bc, cl, ok := c.lookup(host, port)
	if !ok {
		return ErrNotConnected
	}
	c.mu.Lock()
	_, exists := bc.subs[topic]
	c.mu.Unlock()
	if exists {
		return nil
	}

	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		if err = c.wait(c.ctx, cl.Subscribe(topic, 0, c.route(bc))); err == nil {
			break
		}
		c.log.Warnf("订阅失败 %s: %v", topic, err)
	}
	if err != nil {
		return fmt.Errorf("%s: %w: %v", topic, ErrSubscribeFailed, err)
	}

	c.mu.Lock()
	if _, exists := bc.subs[topic]; !exists {
		bc.subs[topic] = &subscription{handler: handler}
	}
	c.mu.Unlock()
	c.log.Infof("已订阅 %s", topic)
	return nil
}

// Unsubscribe 取消订阅
func (c *Client) Unsubscribe(host string, port int, topic string, retries int) error {
	bc, cl, ok := c.lookup(host, port)
	if !ok {
		return ErrNotConnected
	}

	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		if err = c.wait(c.ctx, cl.Unsubscribe(topic)); err == nil {
			break
		}
		c.log.Warnf("取消订阅失败 %s: %v", topic, err)
	}
	if err != nil {
		return fmt.Errorf("取消订阅 %s 失败: %w", topic, err)
	}

	c.mu.Lock()
	delete(bc.subs, topic)
	c.mu.Unlock()
	return nil
}

// Connected 连接是否可用
func (c *Client) Connected(host string, port int) bool {
	_, _, ok := c.lookup(host, port)
	return ok
}

// Disconnect 断开并移除连接
func (c *Client) Disconnect(host string, port int) {
	key := connKey(host, port)
	c.reconnect.Cancel(key)

	c.mu.Lock()
	bc, ok := c.conns[key]
	delete(c.conns, key)
	c.mu.Unlock()
	if !ok || bc.client == nil {
		return
	}

	wasConnected := bc.client.IsConnected()
	bc.client.Disconnect(250)
	if wasConnected {
		monitor.ActiveConnections.WithLabelValues("mqtt").Dec()
	}
	c.log.Infof("已断开MQTT代理 %s", key)
	c.emit(Event{Kind: EventDisconnect, Host: host, Port: port})
}

// DisconnectAll 断开所有连接并停止重连
func (c *Client) DisconnectAll() {
	c.mu.Lock()
	targets := make([]*brokerConn, 0, len(c.conns))
	for _, bc := range c.conns {
		targets = append(targets, bc)
	}
	c.mu.Unlock()

	for _, bc := range targets {
		c.Disconnect(bc.host, bc.port)
	}
	c.reconnect.Stop()
	c.cancel()
}

// wait 等待令牌完成
func (c *Client) wait(ctx context.Context, tok mqtt.Token) error {
	timer := time.NewTimer(c.cfg.TokenTimeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrTokenTimeout
	}
}
