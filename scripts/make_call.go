package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/voxlabs/voicebridge/pkg/configutil"
	"github.com/voxlabs/voicebridge/pkg/gateway"
	"github.com/voxlabs/voicebridge/pkg/transports/mediaws"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "config.yaml", "")
	from := flag.String("from", "", "")
	to := flag.String("to", "", "")
	voiceURL := flag.String("voice_url", "", "")
	flag.Parse()
	if *to == "" {
		fmt.Println("usage: make_call -to=+456 [-from=+123] [-config=...]")
		os.Exit(1)
	}

	cfg, err := gateway.LoadConfig(*configPath)
	if err != nil {
		fmt.Println("config error:", err)
		os.Exit(1)
	}
	var transportCfg mediaws.Config
	if err := configutil.DecodeSettings(cfg.Transport.Settings, &transportCfg); err != nil {
		fmt.Println("settings error:", err)
		os.Exit(1)
	}

	dialer := mediaws.NewDialer(transportCfg)
	callID, err := dialer.Dial(context.Background(), *to, *from, *voiceURL)
	if err != nil {
		fmt.Println("call error:", err)
		os.Exit(1)
	}
	fmt.Println("call_id:", callID)
}
