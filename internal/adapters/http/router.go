package http

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	stdhttp "net/http"
	"path/filepath"
	"strings"

	"github.com/dkeye/duet/internal/adapters/signal"
	"github.com/dkeye/duet/internal/app"
	"github.com/dkeye/duet/internal/app/orch"
	"github.com/dkeye/duet/internal/config"
	"github.com/dkeye/duet/internal/core"
	"github.com/dkeye/duet/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const maxPictureSize = 4 << 20

var errPictureTooLarge = errors.New("profile picture too large")

// Deps are the relay services the HTTP surface fronts.
type Deps struct {
	Orch  *orch.Orchestrator
	Store *app.Store
	OTP   *app.OTPIssuer
}

type handlers struct {
	Deps
}

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"success": false, "message": msg})
}

func SetupRouter(ctx context.Context, cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.MaxMultipartMemory = maxPictureSize

	ctrl := signal.NewSignalWSController(deps.Orch, deps.Store, signal.Options{
		WriteWait:  cfg.WriteWait,
		PongWait:   cfg.PongWait,
		PingPeriod: cfg.PingPeriod,
		ReadLimit:  cfg.ReadLimit,
		SendBuffer: cfg.SendBuffer,
	})
	r.GET("/ws", func(c *gin.Context) {
		ctrl.HandleSignal(ctx, c)
	})

	h := handlers{Deps: deps}
	r.GET("/users", h.users)
	r.GET("/chat-history/:a/:b", h.history)
	r.POST("/send-message", h.sendMessage)
	r.POST("/send-otp", h.sendOTP)
	r.POST("/verify-otp", h.verifyOTP)
	r.POST("/signup", h.signup)
	r.GET("/uploads/:name", h.upload)
	r.GET("/rooms", h.rooms)

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}

type roomView struct {
	core.RoomInfo
	Members []core.MemberDTO `json:"members"`
}

func (h handlers) rooms(c *gin.Context) {
	infos := h.Orch.Rooms.List()
	out := make([]roomView, 0, len(infos))
	for _, info := range infos {
		v := roomView{RoomInfo: info}
		if room, ok := h.Orch.Rooms.Get(info.Key); ok {
			v.Members = room.MembersSnapshot()
		}
		out = append(out, v)
	}
	c.JSON(stdhttp.StatusOK, gin.H{"success": true, "rooms": out})
}

func (h handlers) users(c *gin.Context) {
	c.JSON(stdhttp.StatusOK, gin.H{"success": true, "users": h.Store.Users()})
}

func (h handlers) history(c *gin.Context) {
	a, b := domain.UserID(c.Param("a")), domain.UserID(c.Param("b"))
	if !a.Valid() || !b.Valid() {
		fail(c, stdhttp.StatusBadRequest, "invalid user id")
		return
	}
	c.JSON(stdhttp.StatusOK, gin.H{"success": true, "chatHistory": h.Store.History(a, b)})
}

// sendMessage persists the message, then pushes receive_message to every
// session joined to the conversation, the sender's included.
func (h handlers) sendMessage(c *gin.Context) {
	var in struct {
		Sender   domain.UserID `json:"sender"`
		Receiver domain.UserID `json:"receiver"`
		Message  string        `json:"message"`
	}
	if err := c.ShouldBindJSON(&in); err != nil {
		fail(c, stdhttp.StatusBadRequest, "bad payload")
		return
	}
	if strings.TrimSpace(in.Message) == "" {
		fail(c, stdhttp.StatusBadRequest, "empty message")
		return
	}
	msg, err := h.Store.AddMessage(in.Sender, in.Receiver, in.Message)
	if err != nil {
		fail(c, stdhttp.StatusBadRequest, err.Error())
		return
	}
	n := h.Orch.BroadcastRoom(domain.NewRoom(in.Sender, in.Receiver).Key(), core.EventReceiveMessage, msg)
	log.Debug().Str("module", "adapters.http").Str("id", string(msg.ID)).Int("delivered", n).Msg("message stored")
	c.JSON(stdhttp.StatusOK, gin.H{"success": true, "newMessage": msg})
}

func (h handlers) sendOTP(c *gin.Context) {
	var in struct {
		PhoneNumber string `json:"phoneNumber"`
	}
	if err := c.ShouldBindJSON(&in); err != nil {
		fail(c, stdhttp.StatusBadRequest, "bad payload")
		return
	}
	if _, err := h.OTP.Issue(in.PhoneNumber); err != nil {
		status := stdhttp.StatusBadRequest
		if errors.Is(err, app.ErrRateLimited) {
			status = stdhttp.StatusTooManyRequests
		}
		fail(c, status, err.Error())
		return
	}
	c.JSON(stdhttp.StatusOK, gin.H{"success": true, "message": "OTP sent"})
}

func (h handlers) verifyOTP(c *gin.Context) {
	var in struct {
		PhoneNumber string `json:"phoneNumber"`
		OTP         string `json:"otp"`
	}
	if err := c.ShouldBindJSON(&in); err != nil {
		fail(c, stdhttp.StatusBadRequest, "bad payload")
		return
	}
	if !h.OTP.Verify(in.PhoneNumber, in.OTP) {
		fail(c, stdhttp.StatusUnauthorized, "invalid or expired OTP")
		return
	}
	resp := gin.H{"success": true}
	if u, ok := h.Store.UserByPhone(in.PhoneNumber); ok {
		resp["user"] = u
	}
	c.JSON(stdhttp.StatusOK, resp)
}

func (h handlers) signup(c *gin.Context) {
	phone := c.PostForm("phoneNumber")
	if !h.OTP.Verified(phone) {
		fail(c, stdhttp.StatusUnauthorized, "phone number not verified")
		return
	}
	u, err := h.Store.CreateUser(phone, c.PostForm("name"), c.PostForm("email"))
	if err != nil {
		status := stdhttp.StatusBadRequest
		if errors.Is(err, app.ErrUserExists) {
			status = stdhttp.StatusConflict
		}
		fail(c, status, err.Error())
		return
	}

	if fh, err := c.FormFile("profilePicture"); err == nil {
		name, err := h.savePicture(fh)
		if err != nil {
			log.Warn().Err(err).Str("module", "adapters.http").Str("user", string(u.ID)).Msg("profile picture dropped")
		} else if err := h.Store.SetPicture(u.ID, "/uploads/"+name); err == nil {
			u.ProfilePicture = "/uploads/" + name
		}
	}
	log.Info().Str("module", "adapters.http").Str("user", string(u.ID)).Msg("signup")
	c.JSON(stdhttp.StatusOK, gin.H{"success": true, "user": u})
}

func (h handlers) savePicture(fh *multipart.FileHeader) (string, error) {
	if fh.Size > maxPictureSize {
		return "", errPictureTooLarge
	}
	f, err := fh.Open()
	if err != nil {
		return "", err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxPictureSize+1))
	if err != nil {
		return "", err
	}
	if len(data) > maxPictureSize {
		return "", errPictureTooLarge
	}
	name := uuid.NewString() + strings.ToLower(filepath.Ext(fh.Filename))
	h.Store.PutUpload(name, data)
	return name, nil
}

func (h handlers) upload(c *gin.Context) {
	name := filepath.Base(c.Param("name"))
	data, ok := h.Store.Upload(name)
	if !ok {
		c.Status(stdhttp.StatusNotFound)
		return
	}
	c.Data(stdhttp.StatusOK, stdhttp.DetectContentType(data), data)
}
