package delivery

import (
	"context"
	"errors"
	"io"
	"log"
	"strconv"
	"strings"

	"tutorchat-ws/internal/auth"
	"tutorchat-ws/internal/domain"
	"tutorchat-ws/internal/infrastructure/storage"
	"tutorchat-ws/internal/service"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 50
	maxUploadBytes   = 10 << 20
)

type fileUploader interface {
	Upload(ctx context.Context, fileName string, content io.Reader) (string, error)
}

type ChatHandler struct {
	service  chatApplicationService
	hub      *WSManager
	uploader fileUploader
}

func NewChatHandler(chatService chatApplicationService, hub *WSManager, uploader fileUploader) *ChatHandler {
	return &ChatHandler{
		service:  chatService,
		hub:      hub,
		uploader: uploader,
	}
}

func (h *ChatHandler) ListChats(c *fiber.Ctx) error {
	identity, ok := auth.IdentityFrom(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	chats, err := h.service.ListChats(c.Context(), identity)
	if err != nil {
		return mapChatError(c, err)
	}

	badge := 0
	for _, chat := range chats {
		badge += chat.Unread
	}
	return c.JSON(fiber.Map{"chats": chats, "badge": badge})
}

func (h *ChatHandler) CreateChat(c *fiber.Ctx) error {
	identity, ok := auth.IdentityFrom(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	var req domain.CreateChatRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	chat, created, err := h.service.CreateOrGetChat(c.Context(), identity, req)
	if err != nil {
		return mapChatError(c, err)
	}

	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(fiber.Map{"chat": chat.ViewFor(identity)})
}

func (h *ChatHandler) GetMessages(c *fiber.Ctx) error {
	identity, ok := auth.IdentityFrom(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	chatID, err := parseChatID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid chat id"})
	}

	page := parsePositiveInt(c.Query("page"), 1)
	limit := parsePositiveInt(c.Query("limit"), defaultPageLimit)
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	messages, total, err := h.service.ListMessages(c.Context(), identity, chatID, page, limit)
	if err != nil {
		return mapChatError(c, err)
	}

	return c.JSON(domain.MessagesPage{
		Messages:   messages,
		Pagination: buildPaginationMeta(page, limit, total),
	})
}

func (h *ChatHandler) MarkRead(c *fiber.Ctx) error {
	identity, ok := auth.IdentityFrom(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	chatID, err := parseChatID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid chat id"})
	}

	chat, readAt, err := h.service.MarkRead(c.Context(), identity, chatID)
	if err != nil {
		return mapChatError(c, err)
	}
	h.hub.PublishRead(c.Context(), chat, identity, readAt)

	return c.JSON(domain.MessagesReadPayload{
		ConversationID: chat.ID,
		ReadBy:         identity,
		ReadAt:         readAt,
	})
}

func (h *ChatHandler) ClearChat(c *fiber.Ctx) error {
	identity, ok := auth.IdentityFrom(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	chatID, err := parseChatID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid chat id"})
	}

	chat, err := h.service.ClearChat(c.Context(), identity, chatID)
	if err != nil {
		return mapChatError(c, err)
	}
	h.hub.PublishCleared(c.Context(), chat, identity)

	return c.JSON(fiber.Map{"chat": chat.ViewFor(identity)})
}

func (h *ChatHandler) Upload(c *fiber.Ctx) error {
	if _, ok := auth.IdentityFrom(c); !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	header, err := c.FormFile("file")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Missing file"})
	}
	if header.Size > maxUploadBytes {
		return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{"error": "File too large"})
	}
	if contentType := header.Header.Get("Content-Type"); contentType != "" && !strings.HasPrefix(contentType, "image/") {
		return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{"error": "Only images can be attached"})
	}

	file, err := header.Open()
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Unreadable file"})
	}
	defer file.Close()

	url, err := h.uploader.Upload(c.Context(), header.Filename, file)
	if err != nil {
		if errors.Is(err, storage.ErrStorageDisabled) {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "File storage is not configured"})
		}
		log.Printf("Upload failed: %v", err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "Failed to store file"})
	}

	return c.Status(fiber.StatusCreated).JSON(domain.UploadResponse{URL: url, FileName: header.Filename})
}

func (h *ChatHandler) Presence(c *fiber.Ctx) error {
	online, err := h.hub.OnlineIdentities(c.Context())
	if err != nil {
		log.Printf("Failed to read presence: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to read presence"})
	}
	return c.JSON(fiber.Map{"online": online})
}

func mapChatError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrForbidden):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Forbidden"})
	case errors.Is(err, service.ErrInvalidInput):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request"})
	case errors.Is(err, service.ErrParticipantNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Participant not found"})
	case errors.Is(err, service.ErrNoRelationship):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "No active enrollment with this participant"})
	case errors.Is(err, pgx.ErrNoRows):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Chat not found"})
	default:
		log.Printf("Chat request failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to process chat request"})
	}
}

func parseChatID(c *fiber.Ctx) (int64, error) {
	chatID, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || chatID <= 0 {
		return 0, errors.New("invalid chat id")
	}
	return chatID, nil
}

func parsePositiveInt(raw string, fallback int) int {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func buildPaginationMeta(page, limit, total int) domain.PaginationMeta {
	totalPages := 0
	if total > 0 {
		totalPages = (total + limit - 1) / limit
	}

	return domain.PaginationMeta{
		Page:       page,
		Limit:      limit,
		Total:      total,
		TotalPages: totalPages,
	}
}
