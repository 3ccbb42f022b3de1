package delivery

import (
	"log"

	"tutorchat-ws/internal/auth"
	"tutorchat-ws/internal/config"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
)

type Server struct {
	config    *config.Config
	handler   *ChatHandler
	wsManager *WSManager
	app       *fiber.App
}

func NewServer(config *config.Config, handler *ChatHandler, wsManager *WSManager) *Server {
	s := &Server{
		config:    config,
		handler:   handler,
		wsManager: wsManager,
	}
	s.app = s.buildApp()
	return s
}

// App exposes the configured fiber app, mainly for app.Test.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) buildApp() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:   "TutorChat WebSocket & REST Server",
		BodyLimit: maxUploadBytes + 1<<20,
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${method} ${path} ${latency}\n",
	}))

	corsConfig := cors.Config{
		AllowMethods:     "GET,POST,HEAD,PUT,DELETE,PATCH,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization,X-Requested-With,Access-Control-Request-Method,Access-Control-Request-Headers",
		ExposeHeaders:    "Content-Length,Access-Control-Allow-Origin,Access-Control-Allow-Headers,Content-Type",
		AllowCredentials: s.config.AllowCredentials,
		MaxAge:           86400,
	}

	if s.config.IsProduction() {
		corsConfig.AllowOrigins = s.config.GetCORSOrigins()
		log.Printf("CORS configured for production with origins: %s", corsConfig.AllowOrigins)
	} else {
		corsConfig.AllowOrigins = "*"
		// Browsers reject credentials with a wildcard origin.
		corsConfig.AllowCredentials = false
		log.Printf("CORS configured for development with wildcard origin")
	}

	app.Use(cors.New(corsConfig))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":      "ok",
			"message":     "TutorChat WebSocket server is running",
			"port":        s.config.Port,
			"environment": s.config.Environment,
			"instance":    s.wsManager.InstanceID(),
			"connections": s.wsManager.ConnectionCount(),
		})
	})

	api := app.Group("/api", auth.AuthRequired(s.config.JWTSecret))
	api.Get("/chats", s.handler.ListChats)
	api.Post("/chats", s.handler.CreateChat)
	api.Get("/chats/:id/messages", s.handler.GetMessages)
	api.Put("/chats/:id/read", s.handler.MarkRead)
	api.Delete("/chats/:id/clear", s.handler.ClearChat)
	api.Post("/uploads", s.handler.Upload)
	api.Get("/presence", s.handler.Presence)

	app.Get("/ws", auth.WebSocketAuth(s.config.JWTSecret), websocket.New(s.wsManager.HandleConnection))

	return app
}

func (s *Server) Start() error {
	log.Printf("TutorChat server (WebSocket + REST) starting on port %s", s.config.Port)
	return s.app.Listen(":" + s.config.Port)
}

func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
