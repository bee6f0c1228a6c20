package guiserver

import (
	"fmt"
	"time"

	"github.com/European-XFEL/Karabo-sub006/broker"
	"github.com/European-XFEL/Karabo-sub006/device"
	"github.com/European-XFEL/Karabo-sub006/errors"
	"github.com/European-XFEL/Karabo-sub006/hash"
	"github.com/European-XFEL/Karabo-sub006/schema"
)

func (s *Server) onLogin(c *client, msg *hash.Hash) {
	version := msg.GetStringDefault("version", "")
	username := msg.GetStringDefault("username", "")
	token := msg.GetStringDefault("oneTimeToken", "")
	appMode, _ := msg.GetBool("applicationMode")
	clientID := msg.GetStringDefault("clientId", c.addr)

	if min := s.propString("minClientVersion"); min != "" && compareVersions(version, min) < 0 {
		c.send(notification(fmt.Sprintf(
			"Your GUI client has version '%s', but the minimum required is: %s", version, min)))
		s.dropClient(c)
		return
	}
	if s.propBool("onlyAppModeClients") && !appMode {
		c.send(notification("This server only accepts clients running in application mode."))
		s.dropClient(c)
		return
	}

	accessLevel := int32(schema.Operator)
	if s.auth != nil {
		result, err := s.auth.Validate(s.ctx, token)
		if err != nil {
			c.send(notification(fmt.Sprintf("Error validating token: %v", err)))
			s.dropClient(c)
			return
		}
		if !result.Success {
			c.send(notification(fmt.Sprintf("Error validating token: %s", result.ErrorMsg)))
			s.dropClient(c)
			return
		}
		username = result.Username
		accessLevel = result.Visibility
	}

	readOnly := s.propBool("readOnly")
	if readOnly {
		accessLevel = int32(schema.Observer)
	}

	c.mu.Lock()
	c.sess = session{
		state:           stateLogged,
		username:        username,
		accessLevel:     accessLevel,
		readOnly:        readOnly,
		clientVersion:   version,
		applicationMode: appMode,
		clientID:        clientID,
		loginTime:       time.Now(),
	}
	c.mu.Unlock()
	c.log.Info("client logged in", "username", username, "version", version)

	info := hash.New("type", "loginInformation", "accessLevel", accessLevel, "username", username)
	if readOnly {
		_ = info.Set("readOnly", true)
	}
	c.send(info)
	c.send(hash.New("type", "systemTopology", "systemTopology", s.proc.Topology.Snapshot()))
	s.sendBannerOnce(c)
}

// sendBannerOnce delivers the current banner to a client that has not
// seen it yet.
func (s *Server) sendBannerOnce(c *client) {
	s.mu.Lock()
	msg, fg, bg := s.bannerMsg, s.bannerFg, s.bannerBg
	s.mu.Unlock()
	if msg == "" {
		return
	}
	c.mu.Lock()
	seen := c.bannerSent
	c.bannerSent = true
	c.mu.Unlock()
	if !seen {
		c.send(banner(msg, fg, bg))
	}
}

func (s *Server) onBeginTemporarySession(c *client, msg *hash.Hash) {
	refuse := func(reason string) {
		c.send(hash.New("type", "onBeginTemporarySession", "success", false, "reason", reason))
	}
	switch c.state() {
	case stateNone:
		refuse("not logged in")
		return
	case stateTemporary:
		refuse("There's already an active temporary session.")
		return
	}
	if s.inNoticeWindow(c, time.Now()) {
		refuse("Refusing to put a temporary session on top of a login that expires soon. First re-login.")
		return
	}
	if s.auth == nil {
		refuse("no authentication server configured")
		return
	}

	token := msg.GetStringDefault("temporarySessionToken", "")
	result, err := s.auth.Validate(s.ctx, token)
	if err != nil {
		refuse(fmt.Sprintf("Error validating token: %v", err))
		return
	}
	if !result.Success {
		refuse(fmt.Sprintf("Error validating token: %s", result.ErrorMsg))
		return
	}

	c.mu.Lock()
	c.sess.levelBefore = c.sess.accessLevel
	c.sess.accessLevel = result.Visibility
	c.sess.temporaryUserID = result.Username
	c.sess.state = stateTemporary
	c.sess.tempStart = time.Now()
	c.sess.tempNoticeSent = false
	loggedUser := c.sess.username
	c.mu.Unlock()

	c.send(hash.New(
		"type", "onBeginTemporarySession",
		"success", true,
		"accessLevel", result.Visibility,
		"temporarySessionDurationSecs", int32(s.propInt("maxTemporarySessionTime")),
		"loggedUserId", loggedUser,
	))
}

func (s *Server) onEndTemporarySession(c *client) {
	c.mu.Lock()
	if c.sess.state != stateTemporary {
		c.mu.Unlock()
		c.send(hash.New("type", "onEndTemporarySession", "success", false))
		return
	}
	level := c.sess.levelBefore
	c.sess.state = stateLogged
	c.sess.accessLevel = level
	c.sess.tempNoticeSent = false
	c.sess.temporaryUserID = ""
	c.mu.Unlock()

	c.send(hash.New(
		"type", "onEndTemporarySession",
		"success", true,
		"levelBeforeTemporarySession", level,
	))
}

func (s *Server) onGetGuiSessionInfo(c *client) {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()

	reply := hash.New(
		"type", "getGuiSessionInfo",
		"sessionDuration", int32(s.propInt("maxSessionDuration")),
		"tempSessionDuration", int32(s.propInt("maxTemporarySessionTime")),
	)
	if sess.state != stateNone {
		_ = reply.Set("sessionStartTime", sess.loginTime.UTC().Format(time.RFC3339))
	}
	if sess.state == stateTemporary {
		_ = reply.Set("tempSessionStartTime", sess.tempStart.UTC().Format(time.RFC3339))
	}
	c.send(reply)
}

// callTimeout computes the effective per-call bound: the larger of the
// server property and the request's own timeout, dropped entirely when
// the target's classId is ignored.
func (s *Server) callTimeout(requested int64, instanceID string) (time.Duration, int64) {
	secs := s.propInt("timeout")
	if requested > secs {
		secs = requested
	}
	if info, ok := s.proc.Topology.Info(instanceID); ok {
		classID := info.GetStringDefault("classId", "")
		for _, ignored := range s.propStrings("ignoreTimeoutClasses") {
			if ignored == classID {
				return 0, secs
			}
		}
	}
	return time.Duration(secs) * time.Second, secs
}

func (s *Server) onGetDeviceConfiguration(c *client, msg *hash.Hash) {
	deviceID := msg.GetStringDefault("deviceId", "")
	timeout, _ := s.callTimeout(0, deviceID)
	reply, err := s.dev.Call(s.ctx, deviceID, device.SlotGetConfiguration, timeout)
	if err != nil {
		c.send(notification(fmt.Sprintf("getDeviceConfiguration for '%s' failed: %v", deviceID, err)))
		return
	}
	conf, err := reply.ArgHash(0)
	if err != nil {
		return
	}
	c.send(hash.New("type", "deviceConfiguration", "deviceId", deviceID, "configuration", conf))
}

func (s *Server) onGetDeviceSchema(c *client, msg *hash.Hash) {
	deviceID := msg.GetStringDefault("deviceId", "")
	timeout, _ := s.callTimeout(0, deviceID)
	reply, err := s.dev.Call(s.ctx, deviceID, device.SlotGetSchema, timeout, false)
	if err != nil {
		c.send(notification(fmt.Sprintf("getDeviceSchema for '%s' failed: %v", deviceID, err)))
		return
	}
	sch, err := reply.Arg(0)
	if err != nil {
		return
	}
	c.send(hash.New("type", "deviceSchema", "deviceId", deviceID, "schema", sch))
}

func (s *Server) onGetClassSchema(c *client, msg *hash.Hash) {
	serverID := msg.GetStringDefault("serverId", "")
	classID := msg.GetStringDefault("classId", "")
	timeout, _ := s.callTimeout(0, serverID)
	reply, err := s.dev.Call(s.ctx, serverID, "slotGetClassSchema", timeout, classID)
	if err != nil {
		c.send(notification(fmt.Sprintf("getClassSchema for '%s' failed: %v", classID, err)))
		return
	}
	sch, err := reply.Arg(0)
	if err != nil {
		return
	}
	c.send(hash.New("type", "classSchema", "serverId", serverID, "classId", classID, "schema", sch))
}

func (s *Server) onExecute(c *client, msg *hash.Hash) {
	deviceID := msg.GetStringDefault("deviceId", "")
	command := msg.GetStringDefault("command", "")
	wantReply, _ := msg.GetBool("reply")
	requested := msg.GetIntDefault("timeout", 0)
	timeout, secs := s.callTimeout(requested, deviceID)

	reply, err := s.dev.Call(s.ctx, deviceID, command, timeout)
	success := err == nil
	reason := ""
	if err != nil {
		reason = err.Error()
		if errors.IsTimeout(err) {
			reason = fmt.Sprintf("Request not answered within %d seconds.", secs)
		}
	} else if ok, rerr := reply.Payload.GetBool("a1"); rerr == nil && !ok {
		success = false
		reason, _ = reply.ArgString(1)
	}

	if !wantReply {
		if !success {
			c.send(notification(fmt.Sprintf("execute '%s' on '%s' failed: %s", command, deviceID, reason)))
		}
		return
	}
	out := hash.New("type", "executeReply", "input", msg, "success", success)
	if reason != "" {
		_ = out.Set("reason", reason)
	}
	c.send(out)
}

func (s *Server) onReconfigure(c *client, msg *hash.Hash) {
	deviceID := msg.GetStringDefault("deviceId", "")
	configuration, err := msg.GetHash("configuration")
	if err != nil {
		c.send(notification("reconfigure without configuration"))
		return
	}
	wantReply, _ := msg.GetBool("reply")
	requested := msg.GetIntDefault("timeout", 0)
	timeout, secs := s.callTimeout(requested, deviceID)

	reply, err := s.dev.Call(s.ctx, deviceID, device.SlotReconfigure, timeout, configuration)
	success := err == nil
	reason := ""
	if err != nil {
		reason = err.Error()
		if errors.IsTimeout(err) {
			reason = fmt.Sprintf("Request not answered within %d seconds.", secs)
		}
	} else if ok, rerr := reply.Payload.GetBool("a1"); rerr == nil && !ok {
		success = false
		reason, _ = reply.ArgString(1)
	}

	if !wantReply {
		if !success {
			c.send(notification(fmt.Sprintf("reconfigure of '%s' failed: %s", deviceID, reason)))
		}
		return
	}
	out := hash.New("type", "reconfigureReply", "input", msg, "success", success)
	if reason != "" {
		_ = out.Set("reason", reason)
	}
	c.send(out)
}

func (s *Server) onRequestGeneric(c *client, msg *hash.Hash) {
	instanceID := msg.GetStringDefault("instanceId", "")
	slotName := msg.GetStringDefault("slot", "")
	replyType := msg.GetStringDefault("replyType", "requestGeneric")
	empty, _ := msg.GetBool("empty")
	token := msg.GetStringDefault("token", "")
	requested := msg.GetIntDefault("timeout", 0)
	timeout, secs := s.callTimeout(requested, instanceID)

	args, err := msg.GetHash("args")
	if err != nil {
		args = hash.New()
	}

	request := msg
	if empty {
		request = hash.New("type", msg.GetStringDefault("type", "requestGeneric"))
		if token != "" {
			_ = request.Set("token", token)
		}
	}
	out := hash.New("type", replyType, "request", request)
	if token != "" {
		_ = out.Set("token", token)
	}

	reply, err := s.dev.Call(s.ctx, instanceID, slotName, timeout, args)
	if err != nil {
		reason := err.Error()
		if errors.IsTimeout(err) {
			reason = fmt.Sprintf("Request not answered within %d seconds.", secs)
		}
		_ = out.Set("success", false)
		_ = out.Set("reason", reason)
		c.send(out)
		return
	}
	_ = out.Set("success", true)
	_ = out.Set("reply", genericReply(reply))
	c.send(out)
}

// genericReply renders a slot reply as one Hash: a single hash argument
// passes through, anything else keeps its positional keys.
func genericReply(reply *broker.Message) *hash.Hash {
	if reply.ArgCount() == 1 {
		if h, err := reply.ArgHash(0); err == nil {
			return h
		}
	}
	return reply.Payload.Clone()
}
