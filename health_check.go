//go:build ignore

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/procurewatch/tender-backend/config"
	"github.com/procurewatch/tender-backend/database"
	"github.com/procurewatch/tender-backend/shared"
)

func main() {
	fmt.Printf("Tender Backend Health Check - %s\n", time.Now().Format("2006-01-02 15:04:05"))
	fmt.Println(strings.Repeat("=", 50))

	cfg := config.LoadConfig()
	scraperConfig := config.DefaultScraperConfig()
	healthScore := 0
	totalTests := 4

	fetcher := shared.NewHTTPFetcher(scraperConfig.HTTPRequestTimeout, scraperConfig.RequestRateLimit,
		1, scraperConfig.RetryDelay)

	fmt.Print("UNGM portal: ")
	if _, err := fetcher.Get(cfg.UNGMBaseURL + "/Public/Notice"); err != nil {
		fmt.Printf("FAILED (%v)\n", err)
	} else {
		fmt.Println("OK")
		healthScore++
	}

	fmt.Print("IUCN listing: ")
	if _, err := fetcher.Get(cfg.IUCNBaseURL + "/procurement/currently-running-tenders"); err != nil {
		fmt.Printf("FAILED (%v)\n", err)
	} else {
		fmt.Println("OK")
		healthScore++
	}

	fmt.Print("TED FTP login: ")
	ftpClient := shared.NewFTPClient(shared.FTPConfig{
		Host:             cfg.TEDFTPHost,
		Port:             21,
		User:             cfg.TEDFTPUser,
		Password:         cfg.TEDFTPPassword,
		Timeout:          scraperConfig.HTTPRequestTimeout,
		MaxRetryAttempts: 1,
		RetryDelay:       scraperConfig.RetryDelay,
	})
	if err := ftpClient.Login(); err != nil {
		fmt.Printf("FAILED (%v)\n", err)
	} else {
		fmt.Println("OK")
		ftpClient.Quit()
		healthScore++
	}

	fmt.Print("Database: ")
	if err := database.Connect(cfg.DatabaseURL); err != nil {
		fmt.Printf("FAILED (%v)\n", err)
	} else if err := database.HealthCheck(); err != nil {
		fmt.Printf("FAILED (%v)\n", err)
	} else {
		fmt.Println("OK")
		healthScore++
		database.Close()
	}

	fmt.Println(strings.Repeat("=", 50))
	fmt.Printf("Health score: %d/%d\n", healthScore, totalTests)
}
