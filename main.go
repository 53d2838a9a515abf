package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"LEMS-backend/internal/equipment"
	"LEMS-backend/internal/loans"
	"LEMS-backend/internal/platform/auth"
	"LEMS-backend/internal/platform/db"
	"LEMS-backend/internal/platform/notify"
)

func main() {
	// 設定読み込み
	cfg, err := db.LoadConfig("config/config.yaml")
	if err != nil {
		panic(err)
	}

	// 動作モード取得
	mode := cfg.Mode
	log.Printf("[INFO] mode:%s\n", mode)

	if cfg.Mode != "dev" && cfg.Mode != "release" {
		fmt.Println("Usage: go run main.go [dev|release]")
		return
	}

	conn, err := db.Connect(cfg.DB)
	if err != nil {
		panic(err)
	}
	defer conn.Close()

	log.Printf("[INFO] connected to DB: %s", cfg.DB.DBName)

	// 通知ディスパッチャ。Redisが設定されていなければログ出力のみ。
	dispatcher := notify.NewLogDispatcher()
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		dispatcher = notify.NewRedisDispatcher(rdb, cfg.Redis.NotifyChannel)
		log.Printf("[INFO] notify: publishing to redis %s", cfg.Redis.Addr)
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	_ = r.SetTrustedProxies(nil)

	if mode == "dev" {
		// CORS（開発中のみ必要）
		r.Use(cors.New(cors.Config{
			AllowOrigins:     []string{"http://localhost:3000"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowCredentials: true,
		}))

		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	// ヘルス
	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	secret := []byte(cfg.Auth.Secret)

	equipSvc := equipment.NewService(equipment.NewStore(conn))
	loanSvc := loans.NewService(loans.NewStore(conn), equipment.NewStore(conn), dispatcher)

	// /api/v1
	api := r.Group("/api/v1")
	auth.RegisterRoutes(api, auth.NewService(conn, secret, cfg.Auth.TokenTTL))

	authed := api.Group("", auth.RequireAuth(secret))
	admin := authed.Group("", auth.RequireRole("admin"))

	equipment.RegisterRoutes(authed, admin, equipSvc)
	loans.RegisterRoutes(authed, admin, loanSvc)

	// 延滞スイープ（バックグラウンド）
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	loans.StartSweeper(sweepCtx, loanSvc, time.Duration(cfg.Sweep.IntervalMinutes)*time.Minute)

	srv := &http.Server{
		Addr:    ":8443",
		Handler: r,
	}

	var certFile, keyFile string

	// TLS設定
	if mode == "dev" {
		//開発用
		certFile = fmt.Sprintf("config/tls/dev/%s", cfg.Certificate.Cert)
		keyFile = fmt.Sprintf("config/tls/dev/%s", cfg.Certificate.Key)
	} else {
		//本番用
		certFile = fmt.Sprintf("config/tls/release/%s", cfg.Certificate.Cert)
		keyFile = fmt.Sprintf("config/tls/release/%s", cfg.Certificate.Key)
	}

	go func() {
		log.Println("[INFO] listening on https://0.0.0.0:8443")
		if err := srv.ListenAndServeTLS(certFile, keyFile); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit
	log.Println("[INFO] shutting down...")
	stopSweep()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal(err)
	}
}
