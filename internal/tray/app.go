package tray

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/getlantern/systray"
	"github.com/sirupsen/logrus"

	"github.com/NowakAdmin/ScaleAgent/internal/agent"
	"github.com/NowakAdmin/ScaleAgent/internal/autostart"
	"github.com/NowakAdmin/ScaleAgent/internal/config"
	"github.com/NowakAdmin/ScaleAgent/internal/version"
)

const appName = "ScaleAgent"

type App struct {
	cfg    *config.Config
	agent  *agent.Agent
	logger logrus.FieldLogger
}

func New(cfg *config.Config, agentInstance *agent.Agent, logger logrus.FieldLogger) *App {
	return &App{
		cfg:    cfg,
		agent:  agentInstance,
		logger: logger,
	}
}

func (a *App) Run() {
	systray.Run(a.onReady, a.onExit)
}

func (a *App) onReady() {
	systray.SetIcon(generateIcon(16))

	systray.SetTitle("Scale Agent")
	systray.SetTooltip("Scale Agent - most wag szeregowych")

	status := systray.AddMenuItem("Status: offline", "Status połączenia")
	status.Disable()
	scales := systray.AddMenuItem(scalesLabel(0, 0), "Podłączone wagi")
	scales.Disable()

	start := systray.AddMenuItem("Połącz", "Uruchom agenta")
	stop := systray.AddMenuItem("Rozłącz", "Zatrzymaj agenta")
	stop.Disable()
	disconnectAll := systray.AddMenuItem("Rozłącz wszystkie wagi", "Zamknij porty wszystkich wag")

	autostartItem := systray.AddMenuItemCheckbox("Autostart (Windows)", "Uruchamiaj przy logowaniu", false)
	enabled, err := autostart.IsEnabled(appName)
	if err == nil && enabled {
		autostartItem.Check()
	}

	logsItem := systray.AddMenuItem("Otwórz logi", "Pokaż katalog logów")
	versionItem := systray.AddMenuItem("Wersja: "+version.Version, "Wersja agenta")
	versionItem.Disable()

	systray.AddSeparator()
	quit := systray.AddMenuItem("Zamknij", "Zamknij ScaleAgent")

	ctx := context.Background()
	refresh := time.NewTicker(2 * time.Second)

	startAgent := func() {
		if startErr := a.agent.Start(ctx); startErr != nil {
			a.logger.Errorf("Błąd startu agenta: %v", startErr)
			return
		}
		start.Disable()
		stop.Enable()
	}
	startAgent()

	go func() {
		defer refresh.Stop()

		for {
			select {
			case <-refresh.C:
				if a.agent.Online() {
					status.SetTitle("Status: online")
				} else {
					status.SetTitle("Status: offline")
				}
				reg := a.agent.Registry()
				scales.SetTitle(scalesLabel(len(reg.Devices()), reg.ActiveMonitors()))

			case <-start.ClickedCh:
				if a.agent.IsRunning() {
					continue
				}
				startAgent()

			case <-stop.ClickedCh:
				a.agent.Stop()
				status.SetTitle("Status: offline")
				start.Enable()
				stop.Disable()

			case <-disconnectAll.ClickedCh:
				if disconnectErr := a.agent.Registry().DisconnectAll(); disconnectErr != nil {
					a.logger.Warnf("Błąd rozłączania wag: %v", disconnectErr)
				}
				scales.SetTitle(scalesLabel(0, 0))

			case <-autostartItem.ClickedCh:
				if autostartItem.Checked() {
					if disableErr := autostart.Disable(appName); disableErr != nil {
						a.logger.Errorf("Błąd wyłączenia autostartu: %v", disableErr)
						continue
					}
					autostartItem.Uncheck()
					continue
				}

				executablePath, pathErr := os.Executable()
				if pathErr != nil {
					a.logger.Errorf("Błąd ścieżki EXE: %v", pathErr)
					continue
				}

				if enableErr := autostart.Enable(appName, executablePath, "tray"); enableErr != nil {
					a.logger.Errorf("Błąd autostartu: %v", enableErr)
					continue
				}

				autostartItem.Check()

			case <-logsItem.ClickedCh:
				if openErr := openPath(config.LogDir()); openErr != nil {
					a.logger.Warnf("Nie można otworzyć katalogu logów: %v", openErr)
				}

			case <-quit.ClickedCh:
				a.agent.Stop()
				systray.Quit()
				return
			}
		}
	}()
}

func (a *App) onExit() {
	a.agent.Stop()
}

func scalesLabel(connected, monitoring int) string {
	return fmt.Sprintf("Wagi: %d (monitoring: %d)", connected, monitoring)
}

func openPath(path string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "windows":
		cmd = exec.Command("explorer", path)
	case "darwin":
		cmd = exec.Command("open", path)
	default:
		cmd = exec.Command("xdg-open", path)
	}
	return cmd.Start()
}

// generateIcon tworzy ikonę PNG (size x size): szalka wagi na teal tle.
func generateIcon(size int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, size, size))

	white := color.RGBA{255, 255, 255, 255}
	for x := 0; x < size; x++ {
		for y := 0; y < size; y++ {
			img.SetRGBA(x, y, white)
		}
	}

	teal := color.RGBA{0, 128, 128, 255}
	margin := size / 6

	// Podstawa
	for x := margin; x < size-margin; x++ {
		for y := size - margin - 2; y < size-margin; y++ {
			img.SetRGBA(x, y, teal)
		}
	}

	// Kolumna
	mid := size / 2
	for y := margin + 2; y < size-margin-2; y++ {
		img.SetRGBA(mid-1, y, teal)
		img.SetRGBA(mid, y, teal)
	}

	// Szalka
	for x := margin; x < size-margin; x++ {
		img.SetRGBA(x, margin+1, teal)
		img.SetRGBA(x, margin+2, teal)
	}

	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}
